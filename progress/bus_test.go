package progress

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublishedRecord(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe("job-1")
	defer unsubscribe()

	b.Publish("job-1", Record{Kind: RecordProgress, Stage: "transcribe", Percent: 20})

	select {
	case rec := <-ch:
		assert.Equal(t, RecordProgress, rec.Kind)
		assert.Equal(t, 20.0, rec.Percent)
	case <-time.After(time.Second):
		t.Fatal("expected a published record")
	}
}

func TestSubscribeDoesNotReceiveHistory(t *testing.T) {
	b := NewBus()
	b.Publish("job-1", Record{Kind: RecordProgress, Percent: 5})

	ch, unsubscribe := b.Subscribe("job-1")
	defer unsubscribe()

	select {
	case <-ch:
		t.Fatal("new subscriber must not see history")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsOldestWhenSubscriberBufferFull(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe("job-1")
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+5; i++ {
		b.Publish("job-1", Record{Kind: RecordProgress, Percent: float64(i)})
	}

	last := -1.0
	drained := 0
	for {
		select {
		case rec := <-ch:
			last = rec.Percent
			drained++
		default:
			goto done
		}
	}
done:
	require.Greater(t, drained, 0)
	assert.LessOrEqual(t, drained, subscriberBuffer)
	assert.Equal(t, float64(subscriberBuffer+4), last)
}

func TestPublishTerminalDeliversEvenAfterBufferFull(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe("job-1")
	defer unsubscribe()

	for i := 0; i < subscriberBuffer; i++ {
		b.Publish("job-1", Record{Kind: RecordProgress, Percent: float64(i)})
	}

	done := make(chan struct{})
	go func() {
		b.Publish("job-1", Record{Kind: RecordComplete})
		close(done)
	}()

	// Drain the buffer so the terminal record has room to land, mimicking a
	// subscriber that's actively reading.
	go func() {
		for {
			select {
			case <-ch:
			case <-done:
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal publish should have completed once the buffer drained")
	}
}

func TestPublishTerminalGivesUpAfterTimeout(t *testing.T) {
	mock := clock.NewMock()
	realClock := Clock
	Clock = mock
	defer func() { Clock = realClock }()

	b := NewBus()
	ch, unsubscribe := b.Subscribe("job-1")
	defer unsubscribe()

	for i := 0; i < subscriberBuffer; i++ {
		b.Publish("job-1", Record{Kind: RecordProgress, Percent: float64(i)})
	}
	_ = ch // never drained: simulates a stuck subscriber

	done := make(chan struct{})
	go func() {
		b.Publish("job-1", Record{Kind: RecordError, Message: "boom"})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	mock.Add(terminalDeliveryTimeout + time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal publish should give up once the deadline passes")
	}
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe("job-1")
	unsubscribe()

	b.Publish("job-1", Record{Kind: RecordProgress, Percent: 1})

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should not receive new values after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}
