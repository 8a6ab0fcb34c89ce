package stages

import (
	"image"
	"image/color"
	"testing"

	"github.com/highlight-pipeline/orchestrator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkerboard(w, h, cellSize int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/cellSize+y/cellSize)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 230})
			} else {
				img.SetGray(x, y, color.Gray{Y: 20})
			}
		}
	}
	return img
}

func flatImage(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func cornerInsetImage(w, h, insetSize int) *image.Gray {
	img := flatImage(w, h, 180)
	for y := 0; y < insetSize && y < h; y++ {
		for x := 0; x < insetSize && x < w; x++ {
			if (x/4+y/4)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 240})
			} else {
				img.SetGray(x, y, color.Gray{Y: 10})
			}
		}
	}
	return img
}

func TestClassifyImageFlatFrameIsScreenOnly(t *testing.T) {
	fl := classifyImage(flatImage(640, 360, 200))
	assert.Equal(t, store.LayoutScreenOnly, fl.Type)
}

func TestClassifyImageUniformBusyFrameIsCameraOnly(t *testing.T) {
	fl := classifyImage(checkerboard(640, 360, 3))
	assert.Equal(t, store.LayoutCameraOnly, fl.Type)
}

func TestClassifyImageCornerInsetIsPictureInPicture(t *testing.T) {
	img := cornerInsetImage(640, 360, 90)
	fl := classifyImage(img)
	assert.Equal(t, store.LayoutPictureInPicture, fl.Type)
	assert.Equal(t, 640, fl.ScreenRegion.W)
	assert.Greater(t, fl.CameraRegion.W, 0)
}

// newTestGrid builds an edgeGrid of the production grid dimensions directly,
// bypassing pixel sampling, so seam/density tests don't depend on image
// coordinates happening to land on sample points.
func newTestGrid(values func(r, c int) float64) edgeGrid {
	lum := make([][]float64, layoutGridRows)
	for r := 0; r < layoutGridRows; r++ {
		lum[r] = make([]float64, layoutGridCols)
		for c := 0; c < layoutGridCols; c++ {
			lum[r][c] = values(r, c)
		}
	}
	return edgeGrid{cols: layoutGridCols, rows: layoutGridRows, values: lum, width: 640, height: 360}
}

// TestClassifyGridBusyHalvesWithSeamIsSideBySide constructs two
// independently-busy halves with a sharp divider at the midline, the
// signature of two panels placed side by side.
func TestClassifyGridBusyHalvesWithSeamIsSideBySide(t *testing.T) {
	mid := layoutGridCols / 2
	grid := newTestGrid(func(r, c int) float64 {
		switch c {
		case mid - 1:
			return 0
		case mid:
			return 255
		}
		if c < mid {
			if c%2 == 0 {
				return 100
			}
			return 140
		}
		local := c - mid
		if local%2 == 0 {
			return 90
		}
		return 130
	})
	fl := classifyGrid(grid)
	assert.Equal(t, store.LayoutSideBySide, fl.Type)
}

// TestClassifyGridUniformBusyWithoutSeamIsNotSideBySide confirms both halves
// being independently busy is not, by itself, enough to call side_by_side:
// without a divider it reads as one continuous busy frame (camera_only).
func TestClassifyGridUniformBusyWithoutSeamIsNotSideBySide(t *testing.T) {
	grid := newTestGrid(func(r, c int) float64 {
		if c%2 == 0 {
			return 100
		}
		return 140
	})
	fl := classifyGrid(grid)
	assert.NotEqual(t, store.LayoutSideBySide, fl.Type)
}

func TestAggregateLayoutMajorityVote(t *testing.T) {
	frames := []frameLayout{
		{Type: store.LayoutScreenOnly, Confidence: 0.9},
		{Type: store.LayoutScreenOnly, Confidence: 0.8},
		{Type: store.LayoutCameraOnly, Confidence: 0.95},
	}
	got := aggregateLayout("job-1", frames)
	assert.Equal(t, store.LayoutScreenOnly, got.LayoutType)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
}

func TestAggregateLayoutFallsBackBelowConfidenceFloor(t *testing.T) {
	frames := []frameLayout{
		{Type: store.LayoutSideBySide, Confidence: 0.4},
		{Type: store.LayoutSideBySide, Confidence: 0.5},
	}
	got := aggregateLayout("job-1", frames)
	assert.Equal(t, store.LayoutScreenOnly, got.LayoutType)
	assert.Equal(t, 0.0, got.Confidence)
}

func TestAggregateLayoutNoFramesFallsBack(t *testing.T) {
	got := aggregateLayout("job-1", nil)
	assert.Equal(t, store.LayoutScreenOnly, got.LayoutType)
	assert.Equal(t, 0.0, got.Confidence)
}

func TestRegionsForCornerCoversEachCorner(t *testing.T) {
	_, topLeft := regionsForCorner("top_left", 640, 360)
	require.Equal(t, 0, topLeft.X)
	require.Equal(t, 0, topLeft.Y)

	_, bottomRight := regionsForCorner("bottom_right", 640, 360)
	assert.Equal(t, 640-160, bottomRight.X)
	assert.Equal(t, 360-90, bottomRight.Y)
}
