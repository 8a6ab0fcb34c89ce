package stages

import (
	"testing"

	"github.com/highlight-pipeline/orchestrator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapClipBoundariesSnapsToNearbySilence(t *testing.T) {
	silence := []store.SilenceRegion{{Start: 98.0, End: 99.0}, {Start: 252.0, End: 253.5}}
	start, end, startAdjusted, endAdjusted := snapClipBoundaries(100.0, 250.0, silence)

	assert.Equal(t, 99.0, start)
	assert.Equal(t, 252.0, end)
	assert.Equal(t, 153.0, end-start)
	assert.True(t, startAdjusted)
	assert.True(t, endAdjusted)
}

func TestSnapClipBoundariesRejectsSnapThatCollapsesClip(t *testing.T) {
	// Both snaps would land the clip at [199, 200], under the 1s margin.
	silence := []store.SilenceRegion{{Start: 198.0, End: 199.0}, {Start: 200.0, End: 201.0}}
	start, end, startAdjusted, endAdjusted := snapClipBoundaries(199.5, 199.8, silence)

	assert.Equal(t, 199.5, start)
	assert.Equal(t, 199.8, end)
	assert.False(t, startAdjusted)
	assert.False(t, endAdjusted)
}

func TestSnapClipBoundariesNoNearbySilenceLeavesOriginal(t *testing.T) {
	start, end, startAdjusted, endAdjusted := snapClipBoundaries(100.0, 250.0, nil)
	assert.Equal(t, 100.0, start)
	assert.Equal(t, 250.0, end)
	assert.False(t, startAdjusted)
	assert.False(t, endAdjusted)
}

func TestSnapStartPrefersAtOrBeforeOverAfter(t *testing.T) {
	// Two candidates within the window: one ending just before cs, one
	// just after; the before-candidate must win even though it is
	// slightly farther in absolute distance.
	silence := []store.SilenceRegion{{Start: 94.0, End: 96.0}, {Start: 100.5, End: 100.8}}
	got, ok := snapStart(100.0, silence)
	require.True(t, ok)
	assert.Equal(t, 96.0, got)
}

func TestSelectCandidatesRanksByImportanceAndCapsCount(t *testing.T) {
	segments := []store.ContentSegment{
		{Start: 0, End: 60, Importance: 0.95},
		{Start: 100, End: 280, Importance: 0.90},
		{Start: 400, End: 1000, Importance: 0.85},
		{Start: 2000, End: 2240, Importance: 0.80},
	}
	got := selectCandidates(segments)

	require.Len(t, got, 2)
	assert.InDelta(t, 0.90, got[0].Importance, 1e-9)
	assert.InDelta(t, 0.80, got[1].Importance, 1e-9)
}

func TestSelectCandidatesCapsAtMaxClipsPerJob(t *testing.T) {
	segments := make([]store.ContentSegment, 0, 8)
	for i := 0; i < 8; i++ {
		segments = append(segments, store.ContentSegment{
			Start: float64(i * 1000), End: float64(i*1000 + 200), Importance: float64(i) / 10,
		})
	}
	got := selectCandidates(segments)
	assert.Len(t, got, 5)
	assert.InDelta(t, 0.7, got[0].Importance, 1e-9)
}
