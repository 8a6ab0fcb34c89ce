package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/highlight-pipeline/orchestrator/config"
	xerrors "github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/store"
	"github.com/stretchr/testify/require"
)

func newTestJob() *JobInfo {
	_, cancel := context.WithCancel(context.Background())
	return &JobInfo{
		JobID:      "job-1",
		VisionMode: false,
		Resolution: store.Res720p,
		startTime:  time.Now(),
		state:      "running",
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func TestClippingRetryBackoffShape(t *testing.T) {
	b := ClippingRetryBackoff()
	require.NotNil(t, b)
	// first interval is drawn around the configured base; the policy stops
	// after config.DefaultStageMaxRetries retries.
	d := b.NextBackOff()
	require.Greater(t, d, time.Duration(0))
}

func TestStageTimeoutHonorsCompileClipsAllowance(t *testing.T) {
	require.Equal(t, time.Duration(config.DefaultCompileClipsTimeoutSeconds)*time.Second, stageTimeout("compile_clips"))
	require.Equal(t, time.Duration(config.DefaultStageTimeoutSeconds)*time.Second, stageTimeout("transcribe"))
}

func TestProcessingModeLabel(t *testing.T) {
	require.Equal(t, "vision", processingModeLabel(true))
	require.Equal(t, "audio", processingModeLabel(false))
}

func TestAlwaysFatalAndAlwaysDegradable(t *testing.T) {
	require.Equal(t, fatal, alwaysFatal(errors.New("x")))
	require.Equal(t, degradable, alwaysDegradable(errors.New("x")))
}

func TestSilenceDetectClassNoAudioTrackIsFatal(t *testing.T) {
	require.Equal(t, fatal, silenceDetectClass(xerrors.NoAudioTrack))
}

func TestSilenceDetectClassOtherErrorsAreDegradable(t *testing.T) {
	require.Equal(t, degradable, silenceDetectClass(errors.New("ffmpeg exploded")))
}

func TestRunStageSucceeds(t *testing.T) {
	c := &Coordinator{}
	job := newTestJob()
	called := false
	err := c.runStage(context.Background(), job, "content_analyze", func(ctx context.Context) error {
		called = true
		return nil
	}, alwaysFatal)
	require.NoError(t, err)
	require.True(t, called)
}

func TestRunStageAbsorbsDegradableFailure(t *testing.T) {
	c := &Coordinator{}
	job := newTestJob()
	err := c.runStage(context.Background(), job, "layout_detect", func(ctx context.Context) error {
		return xerrors.Degradable(errors.New("could not classify layout"))
	}, alwaysDegradable)
	require.NoError(t, err)
}

func TestRunStagePropagatesFatalFailure(t *testing.T) {
	c := &Coordinator{}
	job := newTestJob()
	err := c.runStage(context.Background(), job, "segment_select", func(ctx context.Context) error {
		return xerrors.Unretriable(errors.New("no segments selected"))
	}, alwaysFatal)
	require.Error(t, err)
	require.Contains(t, err.Error(), "segment_select")
}

func TestRunStageClassifiesBySpecialCase(t *testing.T) {
	c := &Coordinator{}
	job := newTestJob()

	// NoAudioTrack is the one error silenceDetectClass marks fatal.
	err := c.runStage(context.Background(), job, "silence_detect", func(ctx context.Context) error {
		return xerrors.NoAudioTrack
	}, silenceDetectClass)
	require.Error(t, err)

	// a plain transient failure is degradable for this stage.
	err = c.runStage(context.Background(), job, "silence_detect", func(ctx context.Context) error {
		return errors.New("ffmpeg timed out")
	}, silenceDetectClass)
	require.NoError(t, err)
}

func TestRunStageReturnsCanceledWhenParentContextDone(t *testing.T) {
	c := &Coordinator{}
	job := newTestJob()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.runStage(ctx, job, "transcribe", func(ctx context.Context) error {
		return errors.New("whatever, the parent is already canceled")
	}, alwaysFatal)
	require.Error(t, err)
	require.True(t, xerrors.IsCanceled(err))
}

func TestRunWithRetryDoesNotRetryUnretriableError(t *testing.T) {
	c := &Coordinator{}
	job := newTestJob()
	attempts := 0
	err := c.runWithRetry(context.Background(), job, "content_analyze", func(ctx context.Context) error {
		attempts++
		return xerrors.Unretriable(errors.New("no topics found"))
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRunWithRetryStopsWhenContextIsDone(t *testing.T) {
	c := &Coordinator{}
	job := newTestJob()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	err := c.runWithRetry(ctx, job, "transcribe", func(ctx context.Context) error {
		attempts++
		return errors.New("backend hiccup")
	})
	require.Error(t, err)
	require.GreaterOrEqual(t, attempts, 1)
}

func TestCoordinatorCancelSignalsRunningJob(t *testing.T) {
	c := NewCoordinator()
	job := newTestJob()
	c.Jobs.Store(job.JobID, job)
	close(job.done) // avoid leaking Cancel's grace-period goroutine past this test

	ok := c.Cancel(job.JobID)
	require.True(t, ok)
}

func TestCoordinatorCancelReturnsFalseForUnknownJob(t *testing.T) {
	c := NewCoordinator()
	require.False(t, c.Cancel("does-not-exist"))
}

func TestCoordinatorWaitReturnsOnceJobIsDone(t *testing.T) {
	c := NewCoordinator()
	job := newTestJob()
	c.Jobs.Store(job.JobID, job)

	done := make(chan struct{})
	go func() {
		c.Wait(job.JobID)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before the job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(job.done)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the job finished")
	}
}

func TestRecoveredTurnsPanicIntoError(t *testing.T) {
	err := recovered(func() error {
		panic("stage exploded")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "stage exploded")
}

func TestRecoveredPassesThroughOrdinaryError(t *testing.T) {
	sentinel := errors.New("ordinary failure")
	err := recovered(func() error { return sentinel })
	require.Equal(t, sentinel, err)
}
