package stages

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/highlight-pipeline/orchestrator/modelgateway"
	"github.com/highlight-pipeline/orchestrator/store"
)

const (
	imageExtractIntervalSeconds = 5.0
	imageExtractMaxSamples      = 10
)

// ImageExtract samples frames of the original media at ~5-second intervals
// (capped at 10 samples), crops each to the screen region LayoutDetect
// located, and asks Vision for slide content. Vision mode only; a frame
// that fails to extract or analyze is skipped rather than failing the
// stage, and a fully-empty result still lets the pipeline continue.
func ImageExtract(ctx context.Context, d *Deps, jobID, originalKey string, videoDuration float64, report func(float64, string)) error {
	layout, err := d.Store.GetLayoutAnalysis(ctx, jobID)
	if err != nil {
		log.Log(jobID, "image extract proceeding without layout analysis", "err", err)
	}

	report(0, "downloading original media")
	path, err := d.downloadToTemp(ctx, originalKey, "imageextract-*")
	if err != nil {
		log.Log(jobID, "image extract falling back after download failure", "err", err)
		return d.Store.PutSlideContent(ctx, jobID, nil)
	}
	defer os.Remove(path)

	offsets := sampleOffsets(videoDuration, imageExtractIntervalSeconds, imageExtractMaxSamples)

	slides := make([]store.SlideContent, 0, len(offsets))
	for i, offset := range offsets {
		report(float64(i)/float64(len(offsets))*0.9, fmt.Sprintf("analyzing frame %d/%d", i+1, len(offsets)))
		analysis, err := d.extractAndAnalyze(ctx, path, offset, layout.ScreenRegion)
		if err != nil {
			log.Log(jobID, "skipping frame analysis failure", "offset", offset, "err", err)
			continue
		}
		slides = append(slides, store.SlideContent{
			JobID:          jobID,
			Timestamp:      offset,
			TextBlocks:     analysis.TextBlocks,
			VisualElements: dedupeStrings(analysis.VisualElements),
			KeyConcepts:    dedupeStrings(analysis.KeyConcepts),
		})
	}

	report(1, "image extract complete")
	return d.Store.PutSlideContent(ctx, jobID, slides)
}

// sampleOffsets lays out sample timestamps starting at 0, interval seconds
// apart, capped at maxSamples.
func sampleOffsets(duration, interval float64, maxSamples int) []float64 {
	if duration <= 0 {
		return nil
	}
	offsets := make([]float64, 0, maxSamples)
	for t := 0.0; t < duration && len(offsets) < maxSamples; t += interval {
		offsets = append(offsets, t)
	}
	return offsets
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (d *Deps) extractAndAnalyze(ctx context.Context, videoPath string, offset float64, region store.PixelRegion) (modelgateway.FrameAnalysis, error) {
	f, err := os.CreateTemp(d.WorkDir, "imageextract-frame-*.jpg")
	if err != nil {
		return modelgateway.FrameAnalysis{}, err
	}
	framePath := f.Name()
	f.Close()
	os.Remove(framePath)
	defer os.Remove(framePath)

	if err := d.Media.Thumbnail(videoPath, framePath, offset); err != nil {
		return modelgateway.FrameAnalysis{}, err
	}

	imgFile, err := os.Open(framePath)
	if err != nil {
		return modelgateway.FrameAnalysis{}, err
	}
	img, _, err := image.Decode(imgFile)
	imgFile.Close()
	if err != nil {
		return modelgateway.FrameAnalysis{}, err
	}

	cropped := cropToRegion(img, region)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, cropped, nil); err != nil {
		return modelgateway.FrameAnalysis{}, err
	}

	return d.Vision.AnalyzeFrame(ctx, &buf, filepath.Base(framePath))
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// cropToRegion crops to LayoutDetect's screen region when one was located;
// an empty or unsupported image falls back to the whole frame rather than
// failing the sample.
func cropToRegion(img image.Image, region store.PixelRegion) image.Image {
	if region.W <= 0 || region.H <= 0 {
		return img
	}
	si, ok := img.(subImager)
	if !ok {
		return img
	}
	rect := image.Rect(region.X, region.Y, region.X+region.W, region.Y+region.H).Intersect(img.Bounds())
	if rect.Empty() {
		return img
	}
	return si.SubImage(rect)
}
