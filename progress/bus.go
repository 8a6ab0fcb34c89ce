// Package progress implements the Progress Bus: a named topic per
// job_id that fans progress records out to any number of live subscribers
// without ever blocking on a slow one.
package progress

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/highlight-pipeline/orchestrator/metrics"
)

var Clock = clock.New()

// subscriberBuffer is sized the way a bounded channel should be: enough to
// absorb a burst of stage transitions between subscriber reads, small enough
// that a stuck subscriber can't accumulate unbounded memory.
const subscriberBuffer = 32

// terminalDeliveryTimeout bounds how long publish() keeps retrying a
// complete/error record against a subscriber whose buffer won't drain.
const terminalDeliveryTimeout = 30 * time.Second

type RecordKind string

const (
	RecordProgress RecordKind = "progress"
	RecordComplete RecordKind = "complete"
	RecordError    RecordKind = "error"
)

// Record is the Progress Bus's tagged union. Stage and Percent/Message/ETA
// are only meaningful when Kind is RecordProgress; Message carries the
// failure reason when Kind is RecordError.
type Record struct {
	Kind    RecordKind
	Stage   string
	Percent float64
	Message string
	ETA     *time.Duration
}

func (r Record) isTerminal() bool {
	return r.Kind == RecordComplete || r.Kind == RecordError
}

type subscriber struct {
	ch     chan Record
	closed chan struct{}
}

// topic is the per-job_id fan-out point. A new subscriber never receives
// history: only frames published after Subscribe, plus the eventual
// guaranteed terminal frame.
type topic struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

// Bus is the process-wide Progress Bus registry. Its lifecycle is tied to
// the process, the one process-wide mutable singleton this system keeps.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

func NewBus() *Bus {
	return &Bus{topics: map[string]*topic{}}
}

func (b *Bus) topicFor(jobID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subscribers: map[*subscriber]struct{}{}}
		b.topics[jobID] = t
	}
	return t
}

// Subscribe opens a stream of records for job_id. The returned function
// unsubscribes and releases the channel; callers must call it exactly once.
func (b *Bus) Subscribe(jobID string) (<-chan Record, func()) {
	t := b.topicFor(jobID)
	sub := &subscriber{ch: make(chan Record, subscriberBuffer), closed: make(chan struct{})}

	t.mu.Lock()
	t.subscribers[sub] = struct{}{}
	t.mu.Unlock()

	metrics.Metrics.LiveSubscribers.Inc()

	unsubscribe := func() {
		t.mu.Lock()
		if _, ok := t.subscribers[sub]; ok {
			delete(t.subscribers, sub)
			close(sub.closed)
			metrics.Metrics.LiveSubscribers.Dec()
		}
		t.mu.Unlock()
	}
	return sub.ch, unsubscribe
}

// Publish delivers record to every current subscriber of job_id. Ordinary
// progress frames never block: a full subscriber buffer has its oldest
// frame dropped (safe, since progress is monotonic and the subscriber will
// catch up on the next send). complete/error frames are retried against
// every subscriber until delivered or terminalDeliveryTimeout elapses.
func (b *Bus) Publish(jobID string, record Record) {
	defer func() {
		if r := recover(); r != nil {
			log.LogNoRequestID("panic publishing progress record, recovering",
				"job_id", jobID, "panic", r, "trace", string(debug.Stack()))
		}
	}()

	t := b.topicFor(jobID)
	t.mu.Lock()
	subs := make([]*subscriber, 0, len(t.subscribers))
	for s := range t.subscribers {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	if record.isTerminal() {
		b.publishTerminal(jobID, record, subs)
		return
	}

	for _, s := range subs {
		select {
		case s.ch <- record:
		case <-s.closed:
		default:
			select {
			case <-s.ch:
				metrics.Metrics.Pipeline.ProgressDropped.WithLabelValues(record.Stage).Inc()
			default:
			}
			select {
			case s.ch <- record:
			case <-s.closed:
			default:
			}
		}
	}
}

func (b *Bus) publishTerminal(jobID string, record Record, subs []*subscriber) {
	deadline := Clock.Now().Add(terminalDeliveryTimeout)
	pending := subs

	for len(pending) > 0 && Clock.Now().Before(deadline) {
		remaining := pending[:0]
		for _, s := range pending {
			select {
			case s.ch <- record:
				continue
			case <-s.closed:
				continue
			default:
				remaining = append(remaining, s)
			}
		}
		pending = remaining
		if len(pending) > 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}

	if len(pending) > 0 {
		log.LogNoRequestID("gave up delivering terminal progress record to some subscribers",
			"job_id", jobID, "kind", record.Kind, "stragglers", len(pending))
	}
}

// Close tears down a job's topic once it has reached a terminal state and
// every subscriber has been given its chance at the terminal frame.
func (b *Bus) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics, jobID)
}
