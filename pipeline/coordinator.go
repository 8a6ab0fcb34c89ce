// Package pipeline implements the Stage DAG Executor: the fixed seven-stage
// graph plus two supplemental stages, scheduled with per-stage timeout,
// retry, and fatal/degradable failure policy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/highlight-pipeline/orchestrator/cache"
	"github.com/highlight-pipeline/orchestrator/config"
	xerrors "github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/highlight-pipeline/orchestrator/metrics"
	"github.com/highlight-pipeline/orchestrator/progress"
	"github.com/highlight-pipeline/orchestrator/stages"
	"github.com/highlight-pipeline/orchestrator/store"
)

// JobInfo tracks one in-flight run of the DAG against a single job. Only one
// run executes at a time per JobInfo; its mutex is held for the run's whole
// lifetime.
type JobInfo struct {
	mu sync.Mutex

	JobID       string
	OriginalKey string
	VisionMode  bool
	Resolution  store.Resolution

	// Deps is built by the Job Controller per job, sharing the
	// process-wide Store/Blob/Media/Bus but carrying Speech/Vision/Lang
	// clients bound to this job's decrypted principal credential.
	Deps *stages.Deps

	startTime time.Time
	state     string // "running" | "completed" | "failed" | "canceled"

	cancel context.CancelFunc
	done   chan struct{}
}

// Outcome is reported to Terminal once a run reaches a terminal state.
type Outcome struct {
	JobID   string
	Success bool
	Err     error
}

// ClippingRetryBackoff is the per-stage retry policy: bounded exponential
// backoff off a fixed base interval.
func ClippingRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(config.DefaultStageRetryBackoffBaseSecs) * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(config.DefaultStageMaxRetries))
}

// Coordinator runs the fixed stage DAG for any number of jobs concurrently.
// It never blocks its caller: Run schedules a goroutine and returns
// immediately.
type Coordinator struct {
	Jobs *cache.Cache[*JobInfo]

	// Terminal is invoked once a run reaches completed/failed/canceled; the
	// Job Controller wires this to its own onTerminal method.
	Terminal func(ctx context.Context, outcome Outcome)
}

func NewCoordinator() *Coordinator {
	return &Coordinator{Jobs: cache.New[*JobInfo]()}
}

// Run starts the DAG for jobID in the background. deps is this job's
// dependency bundle, built by the Job Controller with the principal's
// decrypted model credential already bound into its Speech/Vision/Lang
// clients.
func (c *Coordinator) Run(jobID, originalKey string, visionMode bool, resolution store.Resolution, deps *stages.Deps) {
	ctx, cancel := context.WithCancel(context.Background())
	job := &JobInfo{
		JobID:       jobID,
		OriginalKey: originalKey,
		VisionMode:  visionMode,
		Resolution:  resolution,
		Deps:        deps,
		startTime:   time.Now(),
		state:       "running",
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.Jobs.Store(jobID, job)
	metrics.Metrics.JobsInFlight.Set(float64(c.Jobs.Len()))

	go c.runRecovered(ctx, job)
}

// Cancel signals jobID's in-flight run, if any, to stop. The stage currently
// running is given CancelGracePeriod to release scoped resources (temp
// files, external process handles) before this logs that the grace period
// elapsed without the run finishing.
func (c *Coordinator) Cancel(jobID string) bool {
	job := c.Jobs.Get(jobID)
	if job == nil {
		return false
	}
	job.cancel()
	go func() {
		select {
		case <-job.done:
		case <-time.After(config.CancelGracePeriod):
			log.Log(jobID, "stage did not unwind within the cancellation grace period", "grace_period", config.CancelGracePeriod)
		}
	}()
	return true
}

// Wait blocks until jobID's run reaches a terminal state. Used by tests and
// by callers (e.g. a synchronous CLI) that need to observe completion.
func (c *Coordinator) Wait(jobID string) {
	job := c.Jobs.Get(jobID)
	if job == nil {
		return
	}
	<-job.done
}

func (c *Coordinator) runRecovered(ctx context.Context, job *JobInfo) {
	job.mu.Lock()
	defer job.mu.Unlock()

	err := recovered(func() error { return c.runDAG(ctx, job) })
	c.finish(ctx, job, err)
}

func recovered(f func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoRequestID("panic running stage DAG, recovering", "panic", rec, "trace", string(debug.Stack()))
			err = fmt.Errorf("panic running stage DAG: %v", rec)
		}
	}()
	return f()
}

func (c *Coordinator) finish(ctx context.Context, job *JobInfo, err error) {
	defer close(job.done)

	success := err == nil
	switch {
	case success:
		job.state = "completed"
		if setErr := job.Deps.Store.SetJobStatus(ctx, job.JobID, store.JobCompleted, ""); setErr != nil {
			log.LogError(job.JobID, "failed to persist completed status", setErr)
		}
		job.Deps.Bus.Publish(job.JobID, progress.Record{Kind: progress.RecordComplete, Percent: 100})
	case xerrors.IsCanceled(err):
		job.state = "canceled"
		if setErr := job.Deps.Store.SetJobStatus(ctx, job.JobID, store.JobFailed, err.Error()); setErr != nil {
			log.LogError(job.JobID, "failed to persist canceled status", setErr)
		}
		job.Deps.Bus.Publish(job.JobID, progress.Record{Kind: progress.RecordError, Message: err.Error()})
	default:
		job.state = "failed"
		log.LogError(job.JobID, "stage DAG failed", err)
		if setErr := job.Deps.Store.SetJobStatus(ctx, job.JobID, store.JobFailed, err.Error()); setErr != nil {
			log.LogError(job.JobID, "failed to persist failed status", setErr)
		}
		job.Deps.Bus.Publish(job.JobID, progress.Record{Kind: progress.RecordError, Message: err.Error()})
	}

	mode := processingModeLabel(job.VisionMode)
	metrics.Metrics.Pipeline.JobCount.WithLabelValues(job.state, mode).Inc()
	metrics.Metrics.Pipeline.JobDuration.WithLabelValues(job.state, mode).Observe(time.Since(job.startTime).Seconds())

	c.Jobs.Remove(job.JobID, job.JobID)
	metrics.Metrics.JobsInFlight.Set(float64(c.Jobs.Len()))

	if c.Terminal != nil {
		c.Terminal(ctx, Outcome{JobID: job.JobID, Success: success, Err: err})
	}
}

// processingModeLabel is the {"processing_mode"} label value shared by the
// pipeline metrics (metrics.PipelineMetrics.JobCount/JobDuration/StageDuration).
func processingModeLabel(visionMode bool) string {
	if visionMode {
		return "vision"
	}
	return "audio"
}

// stageTimeout returns the configured timeout for a named stage, honoring
// CompileClips' longer allowance.
func stageTimeout(name string) time.Duration {
	if name == "compile_clips" {
		return time.Duration(config.DefaultCompileClipsTimeoutSeconds) * time.Second
	}
	return time.Duration(config.DefaultStageTimeoutSeconds) * time.Second
}

// runDAG executes the fixed stage graph for one job:
//
//	SilenceDetect → Transcribe  ⎤
//	LayoutDetect  → ImageExtract* ⎦ → ContentAnalyze
//	 → SegmentSelect → CompileClips → SummaryGenerate/QuizGenerate → completed
//
// Transcribe depends only on SilenceDetect and ImageExtract depends only on
// LayoutDetect; the two chains run independently of each other.
func (c *Coordinator) runDAG(ctx context.Context, job *JobInfo) error {
	jobID, originalKey := job.JobID, job.OriginalKey
	if err := job.Deps.Store.SetJobStatus(ctx, jobID, store.JobRunning, ""); err != nil {
		return err
	}

	if err := c.runIndependentStages(ctx, job); err != nil {
		return err
	}

	if err := c.runStage(ctx, job, "content_analyze", func(ctx context.Context) error {
		return stages.ContentAnalyze(ctx, job.Deps, jobID, job.VisionMode, job.Deps.ReportBand(ctx, jobID, "content_analyze", 0.45, 0.60))
	}, alwaysFatal); err != nil {
		return err
	}

	if err := c.runStage(ctx, job, "segment_select", func(ctx context.Context) error {
		return stages.SegmentSelect(ctx, job.Deps, jobID, job.Deps.ReportBand(ctx, jobID, "segment_select", 0.60, 0.70))
	}, alwaysFatal); err != nil {
		return err
	}

	if err := c.runStage(ctx, job, "compile_clips", func(ctx context.Context) error {
		return stages.CompileClips(ctx, job.Deps, jobID, originalKey, job.Deps.ReportBand(ctx, jobID, "compile_clips", 0.70, 1.0))
	}, alwaysFatal); err != nil {
		return err
	}

	// SummaryGenerate/QuizGenerate are supplemental stages that report
	// within the already-complete 100% band and are degradable: a job's
	// clips remain useful without either.
	if err := c.runStage(ctx, job, "summary_generate", func(ctx context.Context) error {
		return stages.SummaryGenerate(ctx, job.Deps, jobID, job.Deps.ReportBand(ctx, jobID, "summary_generate", 1.0, 1.0))
	}, alwaysDegradable); err != nil {
		return err
	}
	if err := c.runStage(ctx, job, "quiz_generate", func(ctx context.Context) error {
		return stages.QuizGenerate(ctx, job.Deps, jobID, job.Deps.ReportBand(ctx, jobID, "quiz_generate", 1.0, 1.0))
	}, alwaysDegradable); err != nil {
		return err
	}

	return nil
}

// runIndependentStages runs SilenceDetect, LayoutDetect, Transcribe and
// ImageExtract under a single errgroup. SilenceDetect and LayoutDetect start
// immediately and run independently of each other; Transcribe starts the
// moment SilenceDetect's goroutine returns (success or absorbed degraded
// failure) without waiting on LayoutDetect, and ImageExtract (vision mode
// only) starts the moment LayoutDetect's goroutine returns. Neither pair
// blocks on the other's completion.
func (c *Coordinator) runIndependentStages(ctx context.Context, job *JobInfo) error {
	jobID, originalKey := job.JobID, job.OriginalKey

	probe, err := job.Deps.Media.Probe(ctx, originalKey)
	videoDuration := 0.0
	if err == nil {
		videoDuration = probe.Duration
	}

	silenceDone := make(chan struct{})
	layoutDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(silenceDone)
		return c.runStage(gctx, job, "silence_detect", func(ctx context.Context) error {
			return stages.SilenceDetect(ctx, job.Deps, jobID, originalKey, job.Deps.ReportBand(ctx, jobID, "silence_detect", 0.05, 0.15))
		}, silenceDetectClass)
	})

	g.Go(func() error {
		defer close(layoutDone)
		return c.runStage(gctx, job, "layout_detect", func(ctx context.Context) error {
			return stages.LayoutDetect(ctx, job.Deps, jobID, originalKey, videoDuration, job.Deps.ReportBand(ctx, jobID, "layout_detect", 0.05, 0.15))
		}, alwaysDegradable)
	})

	g.Go(func() error {
		select {
		case <-silenceDone:
		case <-gctx.Done():
			return gctx.Err()
		}
		return c.runStage(gctx, job, "transcribe", func(ctx context.Context) error {
			return stages.Transcribe(ctx, job.Deps, jobID, originalKey, videoDuration, job.Deps.ReportBand(ctx, jobID, "transcribe", 0.15, 0.45))
		}, alwaysFatal)
	})

	if job.VisionMode {
		g.Go(func() error {
			select {
			case <-layoutDone:
			case <-gctx.Done():
				return gctx.Err()
			}
			return c.runStage(gctx, job, "image_extract", func(ctx context.Context) error {
				return stages.ImageExtract(ctx, job.Deps, jobID, originalKey, videoDuration, job.Deps.ReportBand(ctx, jobID, "image_extract", 0.15, 0.45))
			}, alwaysDegradable)
		})
	}

	return g.Wait()
}

// failureClass picks how a stage's error is treated once retries are
// exhausted.
type failureClass int

const (
	fatal failureClass = iota
	degradable
)

// alwaysFatal and alwaysDegradable adapt a fixed failureClass to the
// classify signature runStage expects, for stages whose table entry
// doesn't depend on which error came back.
func alwaysFatal(error) failureClass      { return fatal }
func alwaysDegradable(error) failureClass { return degradable }

// silenceDetectClass implements SilenceDetect's special-cased table entry:
// NoAudioTrack is fatal, any other error is degradable.
func silenceDetectClass(err error) failureClass {
	if errors.Is(err, xerrors.NoAudioTrack) {
		return fatal
	}
	return degradable
}

// runStage runs fn with the stage's configured timeout and retry policy,
// reclassifying a surviving error through classify (an error already marked
// xerrors.Degradable short-circuits straight to "absorbed as a warning").
// A fatal class failure is unconditionally fatal, regardless of classify.
func (c *Coordinator) runStage(ctx context.Context, job *JobInfo, name string, fn func(context.Context) error, classify func(error) failureClass) error {
	jobID := job.JobID
	stageCtx, cancel := context.WithTimeout(ctx, stageTimeout(name))
	defer cancel()

	start := time.Now()
	err := c.runWithRetry(stageCtx, job, name, fn)
	metrics.Metrics.Pipeline.StageDuration.WithLabelValues(processingModeLabel(job.VisionMode), string(job.Resolution), name).Observe(time.Since(start).Seconds())

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		metrics.Metrics.Pipeline.StageFailures.WithLabelValues(name, "canceled").Inc()
		return xerrors.Unretriable(xerrors.Canceled)
	}
	if xerrors.IsDegradable(err) {
		log.Log(jobID, "stage degraded, continuing", "stage", name, "err", err)
		metrics.Metrics.Pipeline.StageFailures.WithLabelValues(name, "degradable").Inc()
		return nil
	}
	if classify(err) == degradable {
		log.Log(jobID, "stage failed non-fatally, continuing", "stage", name, "err", err)
		metrics.Metrics.Pipeline.StageFailures.WithLabelValues(name, "degradable").Inc()
		return nil
	}
	metrics.Metrics.Pipeline.StageFailures.WithLabelValues(name, "fatal").Inc()
	return fmt.Errorf("stage %s failed: %w", name, err)
}

// runWithRetry retries fn up to config.DefaultStageMaxRetries times with
// ClippingRetryBackoff, but only for errors not already marked unretriable
// (xerrors.Unretriable/Degradable failures are the stage's own final word).
func (c *Coordinator) runWithRetry(ctx context.Context, job *JobInfo, name string, fn func(context.Context) error) error {
	jobID := job.JobID
	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			metrics.Metrics.Pipeline.StageRetries.WithLabelValues(name).Inc()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if xerrors.IsUnretriable(err) || xerrors.IsDegradable(err) {
			return backoff.Permanent(err)
		}
		log.Log(jobID, "stage attempt failed, retrying", "stage", name, "attempt", attempt, "err", err)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(ClippingRetryBackoff(), ctx))
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if ok := asPermanent(err, &perm); ok {
		return perm.Err
	}
	return err
}

func asPermanent(err error, target **backoff.PermanentError) bool {
	if pe, ok := err.(*backoff.PermanentError); ok {
		*target = pe
		return true
	}
	return false
}

