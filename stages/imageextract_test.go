package stages

import (
	"image"
	"image/color"
	"testing"

	"github.com/highlight-pipeline/orchestrator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleOffsetsCapsAtMaxSamples(t *testing.T) {
	got := sampleOffsets(1000, 5, 10)
	require.Len(t, got, 10)
	assert.Equal(t, []float64{0, 5, 10, 15, 20, 25, 30, 35, 40, 45}, got)
}

func TestSampleOffsetsShortVideoYieldsFewerSamples(t *testing.T) {
	got := sampleOffsets(12, 5, 10)
	assert.Equal(t, []float64{0, 5, 10}, got)
}

func TestSampleOffsetsZeroDurationYieldsNone(t *testing.T) {
	assert.Empty(t, sampleOffsets(0, 5, 10))
}

func TestDedupeStringsPreservesFirstOccurrenceOrder(t *testing.T) {
	got := dedupeStrings([]string{"chart", "diagram", "chart", "table", "diagram"})
	assert.Equal(t, []string{"chart", "diagram", "table"}, got)
}

func TestDedupeStringsNilIsNil(t *testing.T) {
	assert.Nil(t, dedupeStrings(nil))
}

func TestCropToRegionCropsWhenRegionSet(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 360))
	for y := 0; y < 360; y++ {
		for x := 0; x < 640; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x % 256), A: 255})
		}
	}
	cropped := cropToRegion(img, store.PixelRegion{X: 100, Y: 50, W: 200, H: 150})
	bounds := cropped.Bounds()
	assert.Equal(t, 200, bounds.Dx())
	assert.Equal(t, 150, bounds.Dy())
}

func TestCropToRegionReturnsWholeImageForZeroRegion(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 360))
	cropped := cropToRegion(img, store.PixelRegion{})
	assert.Equal(t, img.Bounds(), cropped.Bounds())
}

func TestCropToRegionClampsToImageBounds(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 360))
	cropped := cropToRegion(img, store.PixelRegion{X: 600, Y: 300, W: 200, H: 200})
	bounds := cropped.Bounds()
	assert.LessOrEqual(t, bounds.Dx(), 40)
	assert.LessOrEqual(t, bounds.Dy(), 60)
}
