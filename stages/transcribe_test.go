package stages

import (
	"testing"

	"github.com/highlight-pipeline/orchestrator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeepIntervalsExcludesSilenceRegions(t *testing.T) {
	silence := []store.SilenceRegion{{Start: 2.0, End: 3.0}, {Start: 7.0, End: 8.0}}
	got := keepIntervals(10.0, silence)

	want := []keepInterval{{0.0, 2.0}, {3.0, 7.0}, {8.0, 10.0}}
	require.Equal(t, want, got)
	assert.Equal(t, 8.0, totalDuration(got))
}

func TestRemapPointMapsConcatenatedPositionBack(t *testing.T) {
	silence := []store.SilenceRegion{{Start: 2.0, End: 3.0}, {Start: 7.0, End: 8.0}}
	intervals := keepIntervals(10.0, silence)
	mappings := buildMappings(intervals)

	start, ok := remapPoint(5.0, mappings)
	require.True(t, ok)
	assert.InDelta(t, 6.0, start, 1e-9)

	end, ok := remapPoint(5.5, mappings)
	require.True(t, ok)
	assert.InDelta(t, 6.5, end, 1e-9)
}

// TestRemapIsDistancePreserving is property 5: remap(p) - s_i == p -
// compressed_start_i for any point inside a keep-interval.
func TestRemapIsDistancePreserving(t *testing.T) {
	intervals := []keepInterval{{0, 2}, {3, 7}, {8, 10}}
	mappings := buildMappings(intervals)

	for _, m := range mappings {
		mid := (m.CompressedStart + m.CompressedEnd) / 2
		remapped, ok := remapPoint(mid, mappings)
		require.True(t, ok)
		assert.InDelta(t, remapped-m.OrigStart, mid-m.CompressedStart, 1e-9)
	}
}

// TestKeepIntervalsPartitionDuration is property 6: silence ∪ keep-intervals
// exactly partitions [0, duration].
func TestKeepIntervalsPartitionDuration(t *testing.T) {
	silence := []store.SilenceRegion{{Start: 2.0, End: 3.0}, {Start: 7.0, End: 8.0}}
	duration := 10.0
	keep := keepIntervals(duration, silence)

	var covered float64
	for _, k := range keep {
		covered += k.duration()
	}
	for _, s := range silence {
		covered += s.End - s.Start
	}
	assert.InDelta(t, duration, covered, 1e-9)
}

func TestKeepIntervalsNoSilenceYieldsWholeSpan(t *testing.T) {
	got := keepIntervals(10.0, nil)
	require.Equal(t, []keepInterval{{0, 10}}, got)
}

func TestKeepIntervalsEntirelySilent(t *testing.T) {
	got := keepIntervals(10.0, []store.SilenceRegion{{Start: 0, End: 10}})
	assert.Empty(t, got)
}

func TestRemapPointOutsideAnyMappingIsDropped(t *testing.T) {
	mappings := buildMappings([]keepInterval{{0, 2}, {3, 7}})
	_, ok := remapPoint(100, mappings)
	assert.False(t, ok)
}

func TestSplitIntoChunksRespectsMaxDuration(t *testing.T) {
	intervals := []keepInterval{{0, 200}, {200, 350}, {350, 450}}
	chunks := splitIntoChunks(intervals)

	require.Len(t, chunks, 2)
	assert.Equal(t, []keepInterval{{0, 200}}, chunks[0].Intervals)
	assert.Equal(t, 0.0, chunks[0].Offset)
	assert.Equal(t, []keepInterval{{200, 350}, {350, 450}}, chunks[1].Intervals)
	assert.Equal(t, 200.0, chunks[1].Offset)
}

func TestSplitIntoChunksSingleIntervalLargerThanMax(t *testing.T) {
	intervals := []keepInterval{{0, 500}}
	chunks := splitIntoChunks(intervals)
	require.Len(t, chunks, 2)
	assert.Equal(t, []keepInterval{{0, 300}}, chunks[0].Intervals)
	assert.Equal(t, []keepInterval{{300, 500}}, chunks[1].Intervals)
	assert.Equal(t, 300.0, chunks[1].Offset)
}
