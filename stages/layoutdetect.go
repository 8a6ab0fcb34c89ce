package stages

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
	"sort"

	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/highlight-pipeline/orchestrator/store"
)

const (
	layoutConfidenceFloor = 0.6
	layoutContentEdge     = 8.0 // coarse-grid gradient magnitude above which a region counts as "busy"
	layoutBusyFrame       = 14.0
	layoutGridCols        = 32
	layoutGridRows        = 18
)

// frameLayout is one sampled frame's classification.
type frameLayout struct {
	Type         store.LayoutType
	Confidence   float64
	ScreenRegion store.PixelRegion
	CameraRegion store.PixelRegion
	SplitRatio   float64
}

// LayoutDetect samples three frames of the original media (~10%, 50%, 90% of
// duration) and classifies the visual composition. It never fails the job:
// any failure downgrades to a screen_only default with zero confidence
// rather than propagating an error.
func LayoutDetect(ctx context.Context, d *Deps, jobID, originalKey string, videoDuration float64, report func(float64, string)) error {
	fallback := store.LayoutAnalysis{JobID: jobID, LayoutType: store.LayoutScreenOnly, Confidence: 0}

	report(0, "downloading original media")
	path, err := d.downloadToTemp(ctx, originalKey, "layoutdetect-*")
	if err != nil {
		log.Log(jobID, "layout detect falling back after download failure", "err", err)
		return d.Store.PutLayoutAnalysis(ctx, jobID, fallback)
	}
	defer os.Remove(path)

	offsets := []float64{videoDuration * 0.1, videoDuration * 0.5, videoDuration * 0.9}
	frames := make([]frameLayout, 0, len(offsets))
	for i, offset := range offsets {
		if offset < 0 {
			offset = 0
		}
		report(float64(i)/float64(len(offsets))*0.8, fmt.Sprintf("sampling frame %d/%d", i+1, len(offsets)))
		fl, err := d.classifyFrameAt(path, offset, i)
		if err != nil {
			log.Log(jobID, "skipping unreadable layout sample", "offset", offset, "err", err)
			continue
		}
		frames = append(frames, fl)
	}

	analysis := aggregateLayout(jobID, frames)
	report(1, "layout detect complete")
	return d.Store.PutLayoutAnalysis(ctx, jobID, analysis)
}

func (d *Deps) classifyFrameAt(videoPath string, offset float64, index int) (frameLayout, error) {
	f, err := os.CreateTemp(d.WorkDir, fmt.Sprintf("layout-frame-%d-*.jpg", index))
	if err != nil {
		return frameLayout{}, err
	}
	framePath := f.Name()
	f.Close()
	os.Remove(framePath)
	defer os.Remove(framePath)

	if err := d.Media.Thumbnail(videoPath, framePath, offset); err != nil {
		return frameLayout{}, err
	}

	imgFile, err := os.Open(framePath)
	if err != nil {
		return frameLayout{}, err
	}
	defer imgFile.Close()

	img, _, err := image.Decode(imgFile)
	if err != nil {
		return frameLayout{}, err
	}
	return classifyImage(img), nil
}

// edgeGrid is a coarse down-sampled luminance map of an image, from which
// gradientAt derives gradient magnitudes; cheap enough to compute per
// sampled frame without a vision library.
type edgeGrid struct {
	cols, rows int
	values     [][]float64 // luminance per cell
	width      int
	height     int
}

func buildEdgeGrid(img image.Image) edgeGrid {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	cols, rows := layoutGridCols, layoutGridRows
	lum := make([][]float64, rows)
	cellW := float64(width) / float64(cols)
	cellH := float64(height) / float64(rows)
	for r := 0; r < rows; r++ {
		lum[r] = make([]float64, cols)
		for c := 0; c < cols; c++ {
			x := bounds.Min.X + int(float64(c)*cellW+cellW/2)
			y := bounds.Min.Y + int(float64(r)*cellH+cellH/2)
			lum[r][c] = luminanceAt(img, x, y)
		}
	}
	return edgeGrid{cols: cols, rows: rows, values: lum, width: width, height: height}
}

func luminanceAt(img image.Image, x, y int) float64 {
	r, g, b, _ := img.At(x, y).RGBA()
	// standard luma weights, operating on the 16-bit components RGBA() returns
	return 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
}

// gradientAt returns the local gradient magnitude at grid cell (r, c),
// summing horizontal and vertical neighbor deltas.
func (g edgeGrid) gradientAt(r, c int) float64 {
	var total float64
	var n int
	if c+1 < g.cols {
		total += absf(g.values[r][c] - g.values[r][c+1])
		n++
	}
	if r+1 < g.rows {
		total += absf(g.values[r][c] - g.values[r+1][c])
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// seamDensity measures the luminance discontinuity at the boundary column
// between two halves. A genuine side-by-side composition carries a visible
// divider (a bezel, a hard color change) there; uniformly busy footage does
// not, so its boundary looks like any other interior cell transition.
func (g edgeGrid) seamDensity(col int) float64 {
	if col <= 0 || col >= g.cols {
		return 0
	}
	var total float64
	for r := 0; r < g.rows; r++ {
		total += absf(g.values[r][col-1] - g.values[r][col])
	}
	return total / float64(g.rows)
}

// regionDensity averages gradient magnitude over the cell rectangle
// [c0,c1) x [r0,r1).
func (g edgeGrid) regionDensity(r0, r1, c0, c1 int) float64 {
	var total float64
	var n int
	for r := r0; r < r1 && r < g.rows; r++ {
		for c := c0; c < c1 && c < g.cols; c++ {
			total += g.gradientAt(r, c)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// classifyImage applies the side_by_side / picture_in_picture / screen_only
// / camera_only heuristic against an image's edge-density map: left/right
// halves for side-by-side splits, the four corners for a picture-in-picture
// inset, and overall busyness for camera vs. screen.
func classifyImage(img image.Image) frameLayout {
	return classifyGrid(buildEdgeGrid(img))
}

func classifyGrid(grid edgeGrid) frameLayout {
	midCol := grid.cols / 2

	leftDensity := grid.regionDensity(0, grid.rows, 0, midCol)
	rightDensity := grid.regionDensity(0, grid.rows, midCol, grid.cols)
	overall := grid.regionDensity(0, grid.rows, 0, grid.cols)

	cornerSpanR := grid.rows / 4
	cornerSpanC := grid.cols / 4
	corners := map[string]float64{
		"top_left":     grid.regionDensity(0, cornerSpanR, 0, cornerSpanC),
		"top_right":    grid.regionDensity(0, cornerSpanR, grid.cols-cornerSpanC, grid.cols),
		"bottom_left":  grid.regionDensity(grid.rows-cornerSpanR, grid.rows, 0, cornerSpanC),
		"bottom_right": grid.regionDensity(grid.rows-cornerSpanR, grid.rows, grid.cols-cornerSpanC, grid.cols),
	}
	maxCornerName, maxCornerDensity := "", 0.0
	for name, d := range corners {
		if d > maxCornerDensity {
			maxCornerName, maxCornerDensity = name, d
		}
	}
	restOfFrame := (overall*float64(grid.rows*grid.cols) - maxCornerDensity*float64(cornerSpanR*cornerSpanC)) /
		float64(grid.rows*grid.cols-cornerSpanR*cornerSpanC)

	ratio := ratioOf(leftDensity, rightDensity)
	seam := grid.seamDensity(midCol)
	transitions := make([]float64, 0, grid.cols)
	for col := 1; col < grid.cols; col++ {
		if col != midCol {
			transitions = append(transitions, grid.seamDensity(col))
		}
	}
	sort.Float64s(transitions)
	typicalTransition := transitions[len(transitions)/2]

	switch {
	case leftDensity > layoutContentEdge && rightDensity > layoutContentEdge && ratio > 0.6 && seam > typicalTransition*1.3:
		confidence := clamp01(ratio)
		return frameLayout{
			Type:       store.LayoutSideBySide,
			Confidence: confidence,
			SplitRatio: 0.5,
		}
	case maxCornerDensity > layoutContentEdge && maxCornerDensity > restOfFrame*1.8:
		confidence := clamp01((maxCornerDensity - restOfFrame) / maxCornerDensity)
		screen, camera := regionsForCorner(maxCornerName, grid.width, grid.height)
		return frameLayout{
			Type:         store.LayoutPictureInPicture,
			Confidence:   confidence,
			ScreenRegion: screen,
			CameraRegion: camera,
		}
	case overall > layoutBusyFrame:
		confidence := clamp01((overall - layoutBusyFrame) / layoutBusyFrame)
		return frameLayout{
			Type:         store.LayoutCameraOnly,
			Confidence:   confidence,
			CameraRegion: store.PixelRegion{X: 0, Y: 0, W: grid.width, H: grid.height},
		}
	default:
		confidence := clamp01((layoutContentEdge - overall) / layoutContentEdge)
		return frameLayout{
			Type:         store.LayoutScreenOnly,
			Confidence:   confidence,
			ScreenRegion: store.PixelRegion{X: 0, Y: 0, W: grid.width, H: grid.height},
		}
	}
}

// regionsForCorner splits the frame into a screen region (the majority of
// the frame) and a camera inset (the quarter occupied by the busy corner).
func regionsForCorner(corner string, width, height int) (screen, camera store.PixelRegion) {
	screen = store.PixelRegion{X: 0, Y: 0, W: width, H: height}
	insetW, insetH := width/4, height/4
	switch corner {
	case "top_left":
		camera = store.PixelRegion{X: 0, Y: 0, W: insetW, H: insetH}
	case "top_right":
		camera = store.PixelRegion{X: width - insetW, Y: 0, W: insetW, H: insetH}
	case "bottom_left":
		camera = store.PixelRegion{X: 0, Y: height - insetH, W: insetW, H: insetH}
	default:
		camera = store.PixelRegion{X: width - insetW, Y: height - insetH, W: insetW, H: insetH}
	}
	return screen, camera
}

func ratioOf(a, b float64) float64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > b {
		return b / a
	}
	return a / b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// aggregateLayout majority-votes the per-frame classifications and averages
// the confidence of the winning type. An average below layoutConfidenceFloor
// (or no readable frames at all) falls back to a zero-confidence screen_only
// default.
func aggregateLayout(jobID string, frames []frameLayout) store.LayoutAnalysis {
	fallback := store.LayoutAnalysis{JobID: jobID, LayoutType: store.LayoutScreenOnly, Confidence: 0}
	if len(frames) == 0 {
		return fallback
	}

	counts := map[store.LayoutType]int{}
	for _, f := range frames {
		counts[f.Type]++
	}
	var winner store.LayoutType
	best := -1
	for t, n := range counts {
		if n > best {
			winner, best = t, n
		}
	}

	var sum float64
	var n int
	var exemplar frameLayout
	for _, f := range frames {
		if f.Type != winner {
			continue
		}
		sum += f.Confidence
		if f.Confidence >= exemplar.Confidence {
			exemplar = f
		}
		n++
	}
	avgConfidence := sum / float64(n)

	if avgConfidence < layoutConfidenceFloor {
		return fallback
	}
	return store.LayoutAnalysis{
		JobID:        jobID,
		LayoutType:   winner,
		Confidence:   avgConfidence,
		ScreenRegion: exemplar.ScreenRegion,
		CameraRegion: exemplar.CameraRegion,
		SplitRatio:   exemplar.SplitRatio,
	}
}
