package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressBucket(t *testing.T) {
	assert.Equal(t, progressBucket(0), progressBucket(10))
	assert.NotEqual(t, progressBucket(10), progressBucket(30))
	assert.Equal(t, progressBucket(50), progressBucket(74))
}

func TestShouldReportProgressOnBucketChange(t *testing.T) {
	now := time.Now()
	assert.True(t, shouldReportProgress(26, 10, now))
}

func TestShouldReportProgressWithinBucketButStale(t *testing.T) {
	last := time.Now().Add(-minProgressReportInterval - time.Second)
	assert.True(t, shouldReportProgress(12, 10, last))
}

func TestShouldNotReportProgressWithinBucketAndFresh(t *testing.T) {
	assert.False(t, shouldReportProgress(11, 10, time.Now()))
}

func TestReporterCalcProgressScalesIntoBand(t *testing.T) {
	r := &Reporter{}
	r.Track(func() float64 { return 0.5 }, 10, 20)
	got := r.calcProgress()
	assert.InDelta(t, 15, got, 0.01)
}

func TestReporterCalcProgressClampsToBandEnd(t *testing.T) {
	r := &Reporter{}
	r.Track(func() float64 { return 1.5 }, 0, 100)
	got := r.calcProgress()
	assert.Less(t, got, 100.0)
}

func TestReporterTrackRejectsOutOfRangeBand(t *testing.T) {
	r := &Reporter{jobID: "job-1"}
	r.Track(func() float64 { return 1 }, 10, 150)
	assert.Equal(t, 100.0, r.scaleEnd)
}
