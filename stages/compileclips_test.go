package stages

import (
	"testing"

	"github.com/highlight-pipeline/orchestrator/store"
	"github.com/stretchr/testify/assert"
)

func TestResolutionDimensionsKnownValues(t *testing.T) {
	cases := []struct {
		res            store.Resolution
		width, height int
	}{
		{store.Res480p, 854, 480},
		{store.Res720p, 1280, 720},
		{store.Res1080p, 1920, 1080},
		{store.Res4k, 3840, 2160},
	}
	for _, c := range cases {
		w, h := resolutionDimensions(c.res)
		assert.Equal(t, c.width, w)
		assert.Equal(t, c.height, h)
	}
}

func TestResolutionDimensionsUnrecognizedDefaultsTo720p(t *testing.T) {
	w, h := resolutionDimensions(store.Resolution("unknown"))
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
}

func TestClipCuesFiltersToOverlappingWindow(t *testing.T) {
	transcript := []store.TranscriptSegment{
		{Start: 0, End: 5, Text: "before"},
		{Start: 95, End: 105, Text: "spans start"},
		{Start: 150, End: 160, Text: "inside"},
		{Start: 195, End: 210, Text: "spans end"},
		{Start: 300, End: 310, Text: "after"},
	}
	clip := store.Clip{Start: 100, End: 200}

	cues := clipCues(transcript, clip)

	assert.Len(t, cues, 3)
	// "spans start" clamps to clip-local 0.
	assert.Equal(t, 0.0, cues[0].Start)
	assert.Equal(t, 5.0, cues[0].End)
	// "inside" rebases straightforwardly.
	assert.Equal(t, 50.0, cues[1].Start)
	assert.Equal(t, 60.0, cues[1].End)
	// "spans end" clamps to clip-local duration (100).
	assert.Equal(t, 95.0, cues[2].Start)
	assert.Equal(t, 100.0, cues[2].End)
}

func TestClipCuesEmptyWhenNoOverlap(t *testing.T) {
	transcript := []store.TranscriptSegment{{Start: 0, End: 5, Text: "before"}}
	clip := store.Clip{Start: 100, End: 200}
	assert.Empty(t, clipCues(transcript, clip))
}
