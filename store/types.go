// Package store implements the Artifact Store: typed, job-scoped
// read/write access to a job's intermediate and final outputs, backed by a
// relational database. It is the sole linkage between pipeline stages: no
// stage ever holds a reference to another stage's in-memory output.
package store

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type MediaSource string

const (
	SourceUpload  MediaSource = "upload"
	SourceYouTube MediaSource = "youtube"
)

type ProcessingMode string

const (
	ModeAudio  ProcessingMode = "audio"
	ModeVision ProcessingMode = "vision"
)

type Resolution string

const (
	Res480p  Resolution = "480p"
	Res720p  Resolution = "720p"
	Res1080p Resolution = "1080p"
	Res4k    Resolution = "4k"
)

// ProcessingConfig is the optional per-job configuration accepted at
// submission time.
type ProcessingConfig struct {
	Resolution     Resolution     `json:"resolution,omitempty"`
	ProcessingMode ProcessingMode `json:"processing_mode,omitempty"`
	RateLimitMode  bool           `json:"rate_limit_mode,omitempty"`
	Prompt         string         `json:"prompt,omitempty"`
}

func (c ProcessingConfig) IsVisionMode() bool {
	return c.ProcessingMode == ModeVision
}

// Job is the unit of work tracked by the Job Controller and mutated only by
// the Stage DAG Executor / Stage Workers via this package.
type Job struct {
	JobID            string
	PrincipalID      string
	Filename         string
	FileSizeBytes    int64
	ContentType      string
	Source           MediaSource
	OriginalBlobKey  string
	ProcessingConfig ProcessingConfig
	Status           JobStatus
	CurrentStage     string
	ProgressPercent  float64
	ProgressMessage  string
	Error            string
	VideoDurationSec float64
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// SilenceRegion is a detected span of near-silence on the original timeline.
type SilenceRegion struct {
	JobID         string
	Start         float64
	End           float64
	ThresholdDBFS float64
}

// TranscriptSegment is a chunk of speech-to-text output remapped onto the
// original timeline (see stages.Transcribe).
type TranscriptSegment struct {
	JobID      string
	Start      float64
	End        float64
	Text       string
	Confidence *float64
}

type LayoutType string

const (
	LayoutSideBySide        LayoutType = "side_by_side"
	LayoutPictureInPicture  LayoutType = "picture_in_picture"
	LayoutScreenOnly        LayoutType = "screen_only"
	LayoutCameraOnly        LayoutType = "camera_only"
	LayoutUnknown           LayoutType = "unknown"
)

type PixelRegion struct {
	X, Y, W, H int
}

// LayoutAnalysis is the single per-job record produced by LayoutDetect.
type LayoutAnalysis struct {
	JobID         string
	LayoutType    LayoutType
	ScreenRegion  PixelRegion
	CameraRegion  PixelRegion
	SplitRatio    float64
	Confidence    float64
}

// SlideContent is a per-sampled-frame extraction record, vision mode only.
type SlideContent struct {
	JobID          string
	Timestamp      float64
	TextBlocks     []string
	VisualElements []string
	KeyConcepts    []string
}

// ContentSegment is a topical span of the lecture identified by ContentAnalyze.
type ContentSegment struct {
	JobID       string
	Start       float64
	End         float64
	Topic       string
	Description string
	Importance  float64
	Keywords    []string
	Concepts    []string
	Order       int
}

func (c ContentSegment) Duration() float64 {
	return c.End - c.Start
}

// Clip is a selected highlight. SegmentSelect writes the first block of
// fields; CompileClips fills the rest after encoding/upload.
type Clip struct {
	ClipID    string
	JobID     string
	Start     float64
	End       float64
	Order     int
	Title     string
	Importance float64

	StartAdjusted bool
	EndAdjusted   bool

	// Filled in by CompileClips.
	BlobKey      string
	ThumbnailKey string
	SubtitleKey  string
	FileSizeBytes int64
}

func (c Clip) Duration() float64 {
	return c.End - c.Start
}

// Summary is the supplemental per-job artifact produced by the
// SummaryGenerate stage.
type Summary struct {
	JobID       string
	Text        string
	KeyPoints   []string
	GeneratedAt time.Time
}

// QuizQuestion is the supplemental per-job artifact produced by the
// QuizGenerate stage.
type QuizQuestion struct {
	JobID               string
	Question            string
	Choices             []string
	CorrectIndex        int
	SourceSegmentOrder  int
}
