package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/log"

	_ "github.com/lib/pq"
)

// Store is the Artifact Store contract. Every write is transactional at
// the granularity of a single call; reads see only committed writes.
type Store interface {
	CreateJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	SetJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error
	// SetJobProgress MUST NOT regress percent; it clamps regressions to the
	// existing value and returns the effective value.
	SetJobProgress(ctx context.Context, jobID, stage string, percent float64, message string) (float64, error)
	SetVideoDuration(ctx context.Context, jobID string, seconds float64) error

	PutSilenceRegions(ctx context.Context, jobID string, regions []SilenceRegion) error
	GetSilenceRegions(ctx context.Context, jobID string) ([]SilenceRegion, error)

	PutTranscriptSegments(ctx context.Context, jobID string, segments []TranscriptSegment) error
	GetTranscriptSegments(ctx context.Context, jobID string) ([]TranscriptSegment, error)

	PutLayoutAnalysis(ctx context.Context, jobID string, layout LayoutAnalysis) error
	GetLayoutAnalysis(ctx context.Context, jobID string) (LayoutAnalysis, error)

	PutSlideContent(ctx context.Context, jobID string, slides []SlideContent) error
	GetSlideContent(ctx context.Context, jobID string) ([]SlideContent, error)

	PutContentSegments(ctx context.Context, jobID string, segments []ContentSegment) error
	GetContentSegments(ctx context.Context, jobID string) ([]ContentSegment, error)

	PutClips(ctx context.Context, jobID string, clips []Clip) error
	GetClips(ctx context.Context, jobID string) ([]Clip, error)
	UpdateClipArtifacts(ctx context.Context, clipID string, blobKey, thumbnailKey, subtitleKey string, fileSizeBytes int64) error

	PutSummary(ctx context.Context, jobID string, s Summary) error
	GetSummary(ctx context.Context, jobID string) (*Summary, error)

	PutQuizQuestions(ctx context.Context, jobID string, qs []QuizQuestion) error
	GetQuizQuestions(ctx context.Context, jobID string) ([]QuizQuestion, error)

	// GetPrincipalCredential returns the principal's encrypted model API key
	// blob as stored at provisioning time. The Job Controller decrypts it
	// once per job.
	GetPrincipalCredential(ctx context.Context, principalID string) ([]byte, error)
}

// PostgresStore implements Store over database/sql + lib/pq: raw SQL
// rather than an ORM.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func Open(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open store connection: %w", err)
	}
	return NewPostgresStore(db), nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, j Job) error {
	cfg, err := json.Marshal(j.ProcessingConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal processing config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `insert into "job"(
		"job_id", "principal_id", "filename", "file_size_bytes", "content_type",
		"source", "original_blob_key", "processing_config", "status", "created_at"
	) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		j.JobID, j.PrincipalID, j.Filename, j.FileSizeBytes, j.ContentType,
		string(j.Source), j.OriginalBlobKey, cfg, string(j.Status), j.CreatedAt)
	if err != nil {
		return xerrors.TransientBackend(fmt.Errorf("failed to insert job: %w", err))
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `select
		"job_id", "principal_id", "filename", "file_size_bytes", "content_type",
		"source", "original_blob_key", "processing_config", "status", "current_stage",
		"progress_percent", "progress_message", "error", "video_duration_sec",
		"created_at", "completed_at"
		from "job" where "job_id" = $1`, jobID)

	var j Job
	var cfg []byte
	var source, status string
	var completedAt sql.NullTime
	err := row.Scan(&j.JobID, &j.PrincipalID, &j.Filename, &j.FileSizeBytes, &j.ContentType,
		&source, &j.OriginalBlobKey, &cfg, &status, &j.CurrentStage,
		&j.ProgressPercent, &j.ProgressMessage, &j.Error, &j.VideoDurationSec,
		&j.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return Job{}, xerrors.NewNotFoundError(fmt.Sprintf("job %q", jobID), err)
	}
	if err != nil {
		return Job{}, xerrors.TransientBackend(fmt.Errorf("failed to scan job: %w", err))
	}
	j.Source = MediaSource(source)
	j.Status = JobStatus(status)
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &j.ProcessingConfig); err != nil {
			return Job{}, fmt.Errorf("failed to unmarshal processing config: %w", err)
		}
	}
	return j, nil
}

// SetJobStatus is idempotent about double-terminal transitions: once a job
// is in a terminal state, further status writes are a no-op.
func (s *PostgresStore) SetJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.TransientBackend(fmt.Errorf("failed to begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRowContext(ctx, `select "status" from "job" where "job_id" = $1 for update`, jobID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return xerrors.NewNotFoundError(fmt.Sprintf("job %q", jobID), err)
		}
		return xerrors.TransientBackend(fmt.Errorf("failed to lock job row: %w", err))
	}
	if JobStatus(current).Terminal() {
		log.LogNoRequestID("ignoring status write on terminal job", "job_id", jobID, "current", current, "attempted", status)
		return tx.Commit()
	}

	var completedAt interface{}
	if status.Terminal() {
		completedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `update "job" set "status" = $1, "error" = $2, "completed_at" = $3 where "job_id" = $4`,
		string(status), errMsg, completedAt, jobID); err != nil {
		return xerrors.TransientBackend(fmt.Errorf("failed to update job status: %w", err))
	}
	return tx.Commit()
}

func (s *PostgresStore) SetJobProgress(ctx context.Context, jobID, stage string, percent float64, message string) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.TransientBackend(fmt.Errorf("failed to begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var existing float64
	if err := tx.QueryRowContext(ctx, `select "progress_percent" from "job" where "job_id" = $1 for update`, jobID).Scan(&existing); err != nil {
		if err == sql.ErrNoRows {
			return 0, xerrors.NewNotFoundError(fmt.Sprintf("job %q", jobID), err)
		}
		return 0, xerrors.TransientBackend(fmt.Errorf("failed to lock job row: %w", err))
	}

	effective := percent
	if effective < existing {
		effective = existing
	}

	if _, err := tx.ExecContext(ctx, `update "job" set "current_stage" = $1, "progress_percent" = $2, "progress_message" = $3 where "job_id" = $4`,
		stage, effective, message, jobID); err != nil {
		return 0, xerrors.TransientBackend(fmt.Errorf("failed to update job progress: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return 0, xerrors.TransientBackend(err)
	}
	return effective, nil
}

func (s *PostgresStore) SetVideoDuration(ctx context.Context, jobID string, seconds float64) error {
	_, err := s.db.ExecContext(ctx, `update "job" set "video_duration_sec" = $1 where "job_id" = $2`, seconds, jobID)
	if err != nil {
		return xerrors.TransientBackend(fmt.Errorf("failed to set video duration: %w", err))
	}
	return nil
}

func (s *PostgresStore) PutSilenceRegions(ctx context.Context, jobID string, regions []SilenceRegion) error {
	return s.replaceMany(ctx, "silence_region", jobID, len(regions), func(tx *sql.Tx) error {
		for _, r := range regions {
			if _, err := tx.ExecContext(ctx, `insert into "silence_region"("job_id","start_sec","end_sec","threshold_dbfs") values ($1,$2,$3,$4)`,
				jobID, r.Start, r.End, r.ThresholdDBFS); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetSilenceRegions(ctx context.Context, jobID string) ([]SilenceRegion, error) {
	rows, err := s.db.QueryContext(ctx, `select "start_sec","end_sec","threshold_dbfs" from "silence_region" where "job_id" = $1 order by "start_sec" asc`, jobID)
	if err != nil {
		return nil, xerrors.TransientBackend(err)
	}
	defer rows.Close()

	var out []SilenceRegion
	for rows.Next() {
		var r SilenceRegion
		r.JobID = jobID
		if err := rows.Scan(&r.Start, &r.End, &r.ThresholdDBFS); err != nil {
			return nil, xerrors.TransientBackend(err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutTranscriptSegments(ctx context.Context, jobID string, segments []TranscriptSegment) error {
	return s.replaceMany(ctx, "transcript_segment", jobID, len(segments), func(tx *sql.Tx) error {
		for _, seg := range segments {
			if _, err := tx.ExecContext(ctx, `insert into "transcript_segment"("job_id","start_sec","end_sec","text","confidence") values ($1,$2,$3,$4,$5)`,
				jobID, seg.Start, seg.End, seg.Text, seg.Confidence); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetTranscriptSegments(ctx context.Context, jobID string) ([]TranscriptSegment, error) {
	rows, err := s.db.QueryContext(ctx, `select "start_sec","end_sec","text","confidence" from "transcript_segment" where "job_id" = $1 order by "start_sec" asc`, jobID)
	if err != nil {
		return nil, xerrors.TransientBackend(err)
	}
	defer rows.Close()

	var out []TranscriptSegment
	for rows.Next() {
		var seg TranscriptSegment
		seg.JobID = jobID
		if err := rows.Scan(&seg.Start, &seg.End, &seg.Text, &seg.Confidence); err != nil {
			return nil, xerrors.TransientBackend(err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutLayoutAnalysis(ctx context.Context, jobID string, layout LayoutAnalysis) error {
	return s.replaceMany(ctx, "layout_analysis", jobID, 1, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `insert into "layout_analysis"(
			"job_id","layout_type","screen_x","screen_y","screen_w","screen_h",
			"camera_x","camera_y","camera_w","camera_h","split_ratio","confidence"
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			jobID, string(layout.LayoutType),
			layout.ScreenRegion.X, layout.ScreenRegion.Y, layout.ScreenRegion.W, layout.ScreenRegion.H,
			layout.CameraRegion.X, layout.CameraRegion.Y, layout.CameraRegion.W, layout.CameraRegion.H,
			layout.SplitRatio, layout.Confidence)
		return err
	})
}

func (s *PostgresStore) GetLayoutAnalysis(ctx context.Context, jobID string) (LayoutAnalysis, error) {
	row := s.db.QueryRowContext(ctx, `select "layout_type","screen_x","screen_y","screen_w","screen_h",
		"camera_x","camera_y","camera_w","camera_h","split_ratio","confidence"
		from "layout_analysis" where "job_id" = $1`, jobID)

	var l LayoutAnalysis
	l.JobID = jobID
	var layoutType string
	err := row.Scan(&layoutType, &l.ScreenRegion.X, &l.ScreenRegion.Y, &l.ScreenRegion.W, &l.ScreenRegion.H,
		&l.CameraRegion.X, &l.CameraRegion.Y, &l.CameraRegion.W, &l.CameraRegion.H, &l.SplitRatio, &l.Confidence)
	if err == sql.ErrNoRows {
		return LayoutAnalysis{}, xerrors.NewNotFoundError(fmt.Sprintf("layout analysis for job %q", jobID), err)
	}
	if err != nil {
		return LayoutAnalysis{}, xerrors.TransientBackend(err)
	}
	l.LayoutType = LayoutType(layoutType)
	return l, nil
}

func (s *PostgresStore) PutSlideContent(ctx context.Context, jobID string, slides []SlideContent) error {
	return s.replaceMany(ctx, "slide_content", jobID, len(slides), func(tx *sql.Tx) error {
		for _, sl := range slides {
			textBlocks, _ := json.Marshal(sl.TextBlocks)
			visual, _ := json.Marshal(sl.VisualElements)
			concepts, _ := json.Marshal(sl.KeyConcepts)
			if _, err := tx.ExecContext(ctx, `insert into "slide_content"("job_id","timestamp_sec","text_blocks","visual_elements","key_concepts") values ($1,$2,$3,$4,$5)`,
				jobID, sl.Timestamp, textBlocks, visual, concepts); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetSlideContent(ctx context.Context, jobID string) ([]SlideContent, error) {
	rows, err := s.db.QueryContext(ctx, `select "timestamp_sec","text_blocks","visual_elements","key_concepts" from "slide_content" where "job_id" = $1 order by "timestamp_sec" asc`, jobID)
	if err != nil {
		return nil, xerrors.TransientBackend(err)
	}
	defer rows.Close()

	var out []SlideContent
	for rows.Next() {
		var sl SlideContent
		sl.JobID = jobID
		var textBlocks, visual, concepts []byte
		if err := rows.Scan(&sl.Timestamp, &textBlocks, &visual, &concepts); err != nil {
			return nil, xerrors.TransientBackend(err)
		}
		_ = json.Unmarshal(textBlocks, &sl.TextBlocks)
		_ = json.Unmarshal(visual, &sl.VisualElements)
		_ = json.Unmarshal(concepts, &sl.KeyConcepts)
		out = append(out, sl)
	}
	return out, rows.Err()
}

// PutContentSegments enforces that ContentSegments are chronological and
// non-overlapping before anything is written.
func (s *PostgresStore) PutContentSegments(ctx context.Context, jobID string, segments []ContentSegment) error {
	for i := 1; i < len(segments); i++ {
		if segments[i].Start < segments[i-1].End {
			return xerrors.NewInvariantViolationError(
				fmt.Sprintf("content segments overlap or are out of order at index %d", i), nil)
		}
	}
	return s.replaceMany(ctx, "content_segment", jobID, len(segments), func(tx *sql.Tx) error {
		for _, seg := range segments {
			keywords, _ := json.Marshal(seg.Keywords)
			concepts, _ := json.Marshal(seg.Concepts)
			if _, err := tx.ExecContext(ctx, `insert into "content_segment"(
				"job_id","start_sec","end_sec","topic","description","importance","keywords","concepts","seg_order"
			) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				jobID, seg.Start, seg.End, seg.Topic, seg.Description, seg.Importance, keywords, concepts, seg.Order); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetContentSegments(ctx context.Context, jobID string) ([]ContentSegment, error) {
	rows, err := s.db.QueryContext(ctx, `select "start_sec","end_sec","topic","description","importance","keywords","concepts","seg_order"
		from "content_segment" where "job_id" = $1 order by "seg_order" asc`, jobID)
	if err != nil {
		return nil, xerrors.TransientBackend(err)
	}
	defer rows.Close()

	var out []ContentSegment
	for rows.Next() {
		var seg ContentSegment
		seg.JobID = jobID
		var keywords, concepts []byte
		if err := rows.Scan(&seg.Start, &seg.End, &seg.Topic, &seg.Description, &seg.Importance, &keywords, &concepts, &seg.Order); err != nil {
			return nil, xerrors.TransientBackend(err)
		}
		_ = json.Unmarshal(keywords, &seg.Keywords)
		_ = json.Unmarshal(concepts, &seg.Concepts)
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutClips(ctx context.Context, jobID string, clips []Clip) error {
	return s.replaceMany(ctx, "clip", jobID, len(clips), func(tx *sql.Tx) error {
		for _, c := range clips {
			if _, err := tx.ExecContext(ctx, `insert into "clip"(
				"clip_id","job_id","start_sec","end_sec","clip_order","title","importance","start_adjusted","end_adjusted"
			) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				c.ClipID, jobID, c.Start, c.End, c.Order, c.Title, c.Importance, c.StartAdjusted, c.EndAdjusted); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetClips(ctx context.Context, jobID string) ([]Clip, error) {
	rows, err := s.db.QueryContext(ctx, `select "clip_id","start_sec","end_sec","clip_order","title","importance",
		"start_adjusted","end_adjusted","blob_key","thumbnail_key","subtitle_key","file_size_bytes"
		from "clip" where "job_id" = $1 order by "clip_order" asc`, jobID)
	if err != nil {
		return nil, xerrors.TransientBackend(err)
	}
	defer rows.Close()

	var out []Clip
	for rows.Next() {
		var c Clip
		c.JobID = jobID
		var blobKey, thumbKey, subKey sql.NullString
		var fileSize sql.NullInt64
		if err := rows.Scan(&c.ClipID, &c.Start, &c.End, &c.Order, &c.Title, &c.Importance,
			&c.StartAdjusted, &c.EndAdjusted, &blobKey, &thumbKey, &subKey, &fileSize); err != nil {
			return nil, xerrors.TransientBackend(err)
		}
		c.BlobKey, c.ThumbnailKey, c.SubtitleKey = blobKey.String, thumbKey.String, subKey.String
		c.FileSizeBytes = fileSize.Int64
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateClipArtifacts(ctx context.Context, clipID string, blobKey, thumbnailKey, subtitleKey string, fileSizeBytes int64) error {
	res, err := s.db.ExecContext(ctx, `update "clip" set "blob_key" = $1, "thumbnail_key" = $2, "subtitle_key" = $3, "file_size_bytes" = $4 where "clip_id" = $5`,
		blobKey, thumbnailKey, subtitleKey, fileSizeBytes, clipID)
	if err != nil {
		return xerrors.TransientBackend(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.NewNotFoundError(fmt.Sprintf("clip %q", clipID), nil)
	}
	return nil
}

func (s *PostgresStore) PutSummary(ctx context.Context, jobID string, sum Summary) error {
	return s.replaceMany(ctx, "summary", jobID, 1, func(tx *sql.Tx) error {
		keyPoints, _ := json.Marshal(sum.KeyPoints)
		_, err := tx.ExecContext(ctx, `insert into "summary"("job_id","text","key_points","generated_at") values ($1,$2,$3,$4)`,
			jobID, sum.Text, keyPoints, sum.GeneratedAt)
		return err
	})
}

func (s *PostgresStore) GetSummary(ctx context.Context, jobID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx, `select "text","key_points","generated_at" from "summary" where "job_id" = $1`, jobID)
	var sum Summary
	sum.JobID = jobID
	var keyPoints []byte
	err := row.Scan(&sum.Text, &keyPoints, &sum.GeneratedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.TransientBackend(err)
	}
	_ = json.Unmarshal(keyPoints, &sum.KeyPoints)
	return &sum, nil
}

func (s *PostgresStore) PutQuizQuestions(ctx context.Context, jobID string, qs []QuizQuestion) error {
	return s.replaceMany(ctx, "quiz_question", jobID, len(qs), func(tx *sql.Tx) error {
		for _, q := range qs {
			choices, _ := json.Marshal(q.Choices)
			if _, err := tx.ExecContext(ctx, `insert into "quiz_question"(
				"job_id","question","choices","correct_index","source_segment_order"
			) values ($1,$2,$3,$4,$5)`,
				jobID, q.Question, choices, q.CorrectIndex, q.SourceSegmentOrder); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetQuizQuestions(ctx context.Context, jobID string) ([]QuizQuestion, error) {
	rows, err := s.db.QueryContext(ctx, `select "question","choices","correct_index","source_segment_order" from "quiz_question" where "job_id" = $1 order by "source_segment_order" asc`, jobID)
	if err != nil {
		return nil, xerrors.TransientBackend(err)
	}
	defer rows.Close()

	var out []QuizQuestion
	for rows.Next() {
		var q QuizQuestion
		q.JobID = jobID
		var choices []byte
		if err := rows.Scan(&q.Question, &choices, &q.CorrectIndex, &q.SourceSegmentOrder); err != nil {
			return nil, xerrors.TransientBackend(err)
		}
		_ = json.Unmarshal(choices, &q.Choices)
		out = append(out, q)
	}
	return out, rows.Err()
}

// GetPrincipalCredential looks up the principal's encrypted model API key
// blob. A principal with no row provisioned yet is not an error at this
// layer: the Job Controller turns a nil blob into MissingCredential.
func (s *PostgresStore) GetPrincipalCredential(ctx context.Context, principalID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `select "encrypted_api_key" from "principal_credential" where "principal_id" = $1`, principalID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.TransientBackend(fmt.Errorf("failed to load credential for principal %q: %w", principalID, err))
	}
	return blob, nil
}

// replaceMany implements the retry-safe write pattern design notes §9
// mandate: a stage rerun first clears its own prior output for the job
// before rewriting, all within one transaction. count is only used to skip
// the insert step when the caller has nothing to write (an empty put_many is
// still a valid, atomic "clear" call).
func (s *PostgresStore) replaceMany(ctx context.Context, table, jobID string, count int, insert func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.TransientBackend(fmt.Errorf("failed to begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %q where "job_id" = $1`, table), jobID); err != nil {
		return xerrors.TransientBackend(fmt.Errorf("failed to clear prior %s output: %w", table, err))
	}
	if count > 0 {
		if err := insert(tx); err != nil {
			if strings.Contains(err.Error(), "invariant") {
				return xerrors.NewInvariantViolationError(err.Error(), err)
			}
			return xerrors.TransientBackend(fmt.Errorf("failed to insert %s rows: %w", table, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.TransientBackend(fmt.Errorf("failed to commit %s write: %w", table, err))
	}
	return nil
}
