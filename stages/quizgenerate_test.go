package stages

import (
	"testing"

	"github.com/highlight-pipeline/orchestrator/store"
	"github.com/stretchr/testify/assert"
)

func TestToTopicSegmentsPreservesFields(t *testing.T) {
	segments := []store.ContentSegment{
		{Start: 10, End: 70, Topic: "intro", Importance: 0.9, Keywords: []string{"a"}, Concepts: []string{"b"}},
	}
	got := toTopicSegments(segments)
	assert.Len(t, got, 1)
	assert.Equal(t, 10.0, got[0].Start)
	assert.Equal(t, 70.0, got[0].End)
	assert.Equal(t, "intro", got[0].Topic)
	assert.Equal(t, 0.9, got[0].Importance)
	assert.Equal(t, []string{"a"}, got[0].Keywords)
	assert.Equal(t, []string{"b"}, got[0].Concepts)
}

func TestToTopicSegmentsEmptyInput(t *testing.T) {
	assert.Empty(t, toTopicSegments(nil))
}
