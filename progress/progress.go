package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/highlight-pipeline/orchestrator/log"
)

var progressReportBuckets = []float64{0, 25, 50, 75, 100}

const minProgressReportInterval = 10 * time.Second
const progressCheckInterval = 1 * time.Second

// Reporter throttles a single stage's progress updates against a sink the
// caller supplies (typically one that both persists progress_percent to the
// Artifact Store and publishes a Record to the Progress Bus): poll a
// getProgress func on a fixed tick, only forward when the value crosses a
// reporting bucket or enough time has passed since the last report.
//
// Percent is always in the job's overall [0,100] scale; Track maps a
// stage-local [0,1] progress func onto [scaleStart, scaleEnd].
type Reporter struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobID  string
	stage  string
	sink   func(percent float64, message string)

	mu                   sync.Mutex
	getProgress          func() float64
	scaleStart, scaleEnd float64

	lastReport   time.Time
	lastProgress float64
}

// NewReporter starts a reporter immediately; callers must call Stop when the
// stage finishes, whatever the outcome.
func NewReporter(ctx context.Context, jobID, stage string, sink func(percent float64, message string)) *Reporter {
	ctx, cancel := context.WithCancel(ctx)
	p := &Reporter{
		ctx:        ctx,
		cancel:     cancel,
		jobID:      jobID,
		stage:      stage,
		sink:       sink,
		scaleStart: 0,
		scaleEnd:   0,
	}
	go p.mainLoop()
	return p
}

func (p *Reporter) Stop() {
	p.cancel()
}

// Track installs a stage-local [0,1] progress func and the [scaleStart,
// scaleEnd] band (in overall job percent) it maps onto.
func (p *Reporter) Track(getProgress func() float64, scaleStart, scaleEnd float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if scaleEnd < scaleStart || scaleEnd > 100 {
		log.LogError(p.jobID, fmt.Sprintf("invalid progress band stage=%s start=%v end=%v", p.stage, scaleStart, scaleEnd), errors.New("invalid progress band"))
		if scaleEnd > 100 {
			scaleEnd = 100
		} else {
			scaleEnd = scaleStart
		}
	}
	p.getProgress, p.scaleStart, p.scaleEnd = getProgress, scaleStart, scaleEnd
}

// TrackCount is a convenience for progress driven by a monotonically
// increasing counter against a known total (e.g. clips compiled so far).
func (p *Reporter) TrackCount(getCount func() uint64, total uint64, scaleStart, scaleEnd float64) {
	p.Track(func() float64 {
		if total == 0 {
			return 1
		}
		return float64(getCount()) / float64(total)
	}, scaleStart, scaleEnd)
}

func (p *Reporter) mainLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.LogError(p.jobID, fmt.Sprintf("panic reporting progress stage=%s: %v", p.stage, r), errors.New("panic reporting stage progress"), "trace", string(debug.Stack()))
		}
	}()
	ticker := time.NewTicker(progressCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reportOnce()
		}
	}
}

func (p *Reporter) reportOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getProgress == nil {
		return
	}

	progress := p.calcProgress()
	if progress < p.lastProgress {
		log.LogError(p.jobID, fmt.Sprintf("non-monotonic progress stage=%s last=%v new=%v", p.stage, p.lastProgress, progress), errors.New("non-monotonic progress"))
		return
	}
	if !shouldReportProgress(progress, p.lastProgress, p.lastReport) {
		return
	}

	p.sink(progress, fmt.Sprintf("running %s", p.stage))
	p.lastReport, p.lastProgress = time.Now(), progress
}

func shouldReportProgress(newVal, oldVal float64, lastReportedAt time.Time) bool {
	return progressBucket(newVal) != progressBucket(oldVal) ||
		time.Since(lastReportedAt) >= minProgressReportInterval
}

func (p *Reporter) calcProgress() float64 {
	val := p.getProgress()
	val = math.Max(val, 0)
	val = math.Min(val, 0.99)
	val = p.scaleStart + val*(p.scaleEnd-p.scaleStart)
	return math.Round(val*1000) / 1000
}

func progressBucket(progress float64) int {
	return sort.Search(len(progressReportBuckets), func(i int) bool { return progressReportBuckets[i] > progress })
}
