package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func sqlNoRows() error { return sql.ErrNoRows }

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestCreateJob(t *testing.T) {
	s, mock := newMockStore(t)
	j := Job{
		JobID:           "job-1",
		PrincipalID:     "principal-1",
		Filename:        "lecture.mp4",
		FileSizeBytes:   1024,
		ContentType:     "video/mp4",
		Source:          SourceUpload,
		OriginalBlobKey: "uploads/job-1/0_original.mp4",
		Status:          JobQueued,
		CreatedAt:       time.Now().UTC(),
	}

	mock.ExpectExec(`insert into "job"`).
		WithArgs(j.JobID, j.PrincipalID, j.Filename, j.FileSizeBytes, j.ContentType,
			string(j.Source), j.OriginalBlobKey, sqlmock.AnyArg(), string(j.Status), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.CreateJob(context.Background(), j))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`select(.|\n)*from "job" where "job_id" = \$1`).
		WithArgs("missing").
		WillReturnError(sqlNoRows())

	_, err := s.GetJob(context.Background(), "missing")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetJobStatusIgnoresTerminalTransition(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select "status" from "job" where "job_id" = \$1 for update`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(JobCompleted)))
	mock.ExpectCommit()

	require.NoError(t, s.SetJobStatus(context.Background(), "job-1", JobFailed, "too late"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetJobStatusTransitionsToTerminal(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select "status" from "job" where "job_id" = \$1 for update`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(JobRunning)))
	mock.ExpectExec(`update "job" set "status" = \$1, "error" = \$2, "completed_at" = \$3 where "job_id" = \$4`).
		WithArgs(string(JobCompleted), "", sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SetJobStatus(context.Background(), "job-1", JobCompleted, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestSetJobProgressClampsRegression covers progress_percent staying
// non-decreasing while running: a late-arriving lower percent must not
// regress the stored value.
func TestSetJobProgressClampsRegression(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select "progress_percent" from "job" where "job_id" = \$1 for update`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"progress_percent"}).AddRow(42.0))
	mock.ExpectExec(`update "job" set "current_stage" = \$1, "progress_percent" = \$2, "progress_message" = \$3 where "job_id" = \$4`).
		WithArgs("transcribe", 42.0, "stalled retry", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	effective, err := s.SetJobProgress(context.Background(), "job-1", "transcribe", 10.0, "stalled retry")
	require.NoError(t, err)
	require.Equal(t, 42.0, effective)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetJobProgressAdvances(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select "progress_percent" from "job" where "job_id" = \$1 for update`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"progress_percent"}).AddRow(42.0))
	mock.ExpectExec(`update "job" set "current_stage" = \$1, "progress_percent" = \$2, "progress_message" = \$3 where "job_id" = \$4`).
		WithArgs("transcribe", 55.0, "chunk 3/5", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	effective, err := s.SetJobProgress(context.Background(), "job-1", "transcribe", 55.0, "chunk 3/5")
	require.NoError(t, err)
	require.Equal(t, 55.0, effective)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPutContentSegmentsRejectsOverlap covers the chronological,
// non-overlapping check directly at the store boundary, before any SQL is
// issued.
func TestPutContentSegmentsRejectsOverlap(t *testing.T) {
	s, mock := newMockStore(t)

	segments := []ContentSegment{
		{Start: 0, End: 60, Order: 0},
		{Start: 50, End: 120, Order: 1},
	}

	err := s.PutContentSegments(context.Background(), "job-1", segments)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutContentSegmentsReplacesPriorOutput(t *testing.T) {
	s, mock := newMockStore(t)

	segments := []ContentSegment{
		{Start: 0, End: 60, Topic: "intro", Order: 0},
		{Start: 60, End: 150, Topic: "core concept", Order: 1},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`delete from "content_segment" where "job_id" = \$1`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`insert into "content_segment"`).
		WithArgs("job-1", 0.0, 60.0, "intro", "", 0.0, sqlmock.AnyArg(), sqlmock.AnyArg(), 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into "content_segment"`).
		WithArgs("job-1", 60.0, 150.0, "core concept", "", 0.0, sqlmock.AnyArg(), sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, s.PutContentSegments(context.Background(), "job-1", segments))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateClipArtifactsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`update "clip" set`).
		WithArgs("blob-key", "thumb-key", "sub-key", int64(2048), "missing-clip").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateClipArtifacts(context.Background(), "missing-clip", "blob-key", "thumb-key", "sub-key", 2048)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSummaryReturnsNilWhenAbsent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`select "text","key_points","generated_at" from "summary"`).
		WithArgs("job-1").
		WillReturnError(sqlNoRows())

	sum, err := s.GetSummary(context.Background(), "job-1")
	require.NoError(t, err)
	require.Nil(t, sum)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPrincipalCredentialReturnsNilWhenUnprovisioned(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`select "encrypted_api_key" from "principal_credential" where "principal_id" = \$1`).
		WithArgs("principal-1").
		WillReturnError(sqlNoRows())

	blob, err := s.GetPrincipalCredential(context.Background(), "principal-1")
	require.NoError(t, err)
	require.Nil(t, blob)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPrincipalCredentialReturnsBlob(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`select "encrypted_api_key" from "principal_credential" where "principal_id" = \$1`).
		WithArgs("principal-1").
		WillReturnRows(sqlmock.NewRows([]string{"encrypted_api_key"}).AddRow([]byte("ciphertext")))

	blob, err := s.GetPrincipalCredential(context.Background(), "principal-1")
	require.NoError(t, err)
	require.Equal(t, []byte("ciphertext"), blob)
	require.NoError(t, mock.ExpectationsWereMet())
}
