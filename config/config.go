package config

import (
	"time"
)

var Version string

// Used so that we can generate fixed timestamps in tests.
var Clock TimestampGenerator = RealTimestampGenerator{}

// Path to the external media tool binaries (ffmpeg/ffprobe) the Media
// Toolkit shells out to.
var PathMediaToolDir = "/usr/local/bin"

// Maximum size of an uploaded source video.
const DefaultMaxUploadSizeBytes = 10 * 1024 * 1024 * 1024 // 10 GiB

var DefaultAllowedContentTypes = []string{
	"video/mp4", "video/quicktime", "video/webm", "video/x-matroska",
}

var DefaultAllowedExtensions = []string{".mp4", ".mov", ".webm", ".mkv"}

// SilenceDetect defaults.
const (
	DefaultSilenceThresholdDBFS = -40.0
	DefaultMinSilenceMs         = 500
)

// ContentAnalyze / SegmentSelect defaults.
const (
	DefaultSegmentMinSeconds  = 30
	DefaultSegmentMaxSeconds  = 300
	DefaultMinImportanceScore = 0.3
)

// Clip / CompileClips defaults.
const (
	DefaultClipMinDurationSeconds = 105
	DefaultClipMaxDurationSeconds = 330
	DefaultMaxClipsPerJob         = 5
	DefaultCompileMaxWorkers      = 2
	MaxCompileWorkers             = 4
)

// Stage DAG Executor defaults.
const (
	DefaultStageTimeoutSeconds        = 30 * 60
	DefaultCompileClipsTimeoutSeconds = 60 * 60
	DefaultStageMaxRetries            = 2
	DefaultStageRetryBackoffBaseSecs  = 60
	CancelGracePeriod                 = 10 * time.Second
)

// Admission & Quota defaults.
const DefaultConcurrentJobsPerPrincipal = 3

// Model Gateway defaults, overridable per deployment: an OpenAI-compatible
// speech/vision/language provider is assumed unless configured otherwise.
const (
	DefaultSpeechEndpoint   = "https://api.openai.com/v1/audio/transcriptions"
	DefaultVisionEndpoint   = "https://api.openai.com/v1/chat/completions"
	DefaultLanguageEndpoint = "https://api.openai.com/v1"
	DefaultLanguageModel    = "gpt-4o-mini"
)

// Config holds the service's environment-configurable tunables. Constructed
// once in main and threaded down explicitly; no package-level mutable
// globals beyond Clock/PathMediaToolDir above.
type Config struct {
	MaxUploadSizeBytes  int64
	AllowedContentTypes []string
	AllowedExtensions   []string

	SilenceThresholdDBFS float64
	MinSilenceMs         int

	SegmentMinSeconds  int
	SegmentMaxSeconds  int
	MinImportanceScore float64

	ClipMinDurationSeconds int
	ClipMaxDurationSeconds int
	MaxClipsPerJob         int
	CompileMaxWorkers      int

	StageTimeoutSeconds        int
	CompileClipsTimeoutSeconds int
	StageMaxRetries            int
	StageRetryBackoffBaseSecs  int

	RateLimits                 map[string]RateLimit
	ConcurrentJobsPerPrincipal int

	// Model Gateway provider endpoints. Every job binds these against
	// its own decrypted principal credential rather than a process-wide key.
	SpeechEndpoint   string
	VisionEndpoint   string
	LanguageEndpoint string
	LanguageModel    string
}

// RateLimit describes a token-bucket: Rate tokens refilled per second, up to
// Burst tokens held.
type RateLimit struct {
	Rate  float64
	Burst int
}

func Default() Config {
	return Config{
		MaxUploadSizeBytes:  DefaultMaxUploadSizeBytes,
		AllowedContentTypes: DefaultAllowedContentTypes,
		AllowedExtensions:   DefaultAllowedExtensions,

		SilenceThresholdDBFS: DefaultSilenceThresholdDBFS,
		MinSilenceMs:         DefaultMinSilenceMs,

		SegmentMinSeconds:  DefaultSegmentMinSeconds,
		SegmentMaxSeconds:  DefaultSegmentMaxSeconds,
		MinImportanceScore: DefaultMinImportanceScore,

		ClipMinDurationSeconds: DefaultClipMinDurationSeconds,
		ClipMaxDurationSeconds: DefaultClipMaxDurationSeconds,
		MaxClipsPerJob:         DefaultMaxClipsPerJob,
		CompileMaxWorkers:      DefaultCompileMaxWorkers,

		StageTimeoutSeconds:        DefaultStageTimeoutSeconds,
		CompileClipsTimeoutSeconds: DefaultCompileClipsTimeoutSeconds,
		StageMaxRetries:            DefaultStageMaxRetries,
		StageRetryBackoffBaseSecs:  DefaultStageRetryBackoffBaseSecs,

		RateLimits: map[string]RateLimit{
			"submit":   {Rate: 0.2, Burst: 3},
			"progress": {Rate: 5, Burst: 20},
			"status":   {Rate: 5, Burst: 20},
			"results":  {Rate: 2, Burst: 10},
			"admin":    {Rate: 1, Burst: 5},
		},
		ConcurrentJobsPerPrincipal: DefaultConcurrentJobsPerPrincipal,

		SpeechEndpoint:   DefaultSpeechEndpoint,
		VisionEndpoint:   DefaultVisionEndpoint,
		LanguageEndpoint: DefaultLanguageEndpoint,
		LanguageModel:    DefaultLanguageModel,
	}
}
