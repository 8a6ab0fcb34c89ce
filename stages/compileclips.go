package stages

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/highlight-pipeline/orchestrator/blob"
	"github.com/highlight-pipeline/orchestrator/config"
	xerrors "github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/highlight-pipeline/orchestrator/store"
	"github.com/highlight-pipeline/orchestrator/subtitle"
)

const (
	targetFPS           = 30
	targetCodec         = "h264"
	thumbnailOffsetSecs = 1.0
)

// resolutionDimensions maps a job's requested Resolution onto concrete
// encode dimensions, defaulting to 720p for an unrecognized value.
func resolutionDimensions(res store.Resolution) (width, height int) {
	switch res {
	case store.Res480p:
		return 854, 480
	case store.Res1080p:
		return 1920, 1080
	case store.Res4k:
		return 3840, 2160
	default:
		return 1280, 720
	}
}

// CompileClips runs the per-clip finishing pipeline (extract, re-encode if
// needed, metadata, thumbnail, subtitle, upload) with bounded parallelism.
// Fatal, but only in the sense that zero surviving clips fails the job: a
// single clip's failure is logged and skipped.
func CompileClips(ctx context.Context, d *Deps, jobID, originalKey string, report func(float64, string)) error {
	report(0, "loading clips")
	clips, err := d.Store.GetClips(ctx, jobID)
	if err != nil {
		return err
	}
	if len(clips) == 0 {
		return xerrors.Unretriable(fmt.Errorf("compile clips: job has no selected clips"))
	}

	transcript, err := d.Store.GetTranscriptSegments(ctx, jobID)
	if err != nil {
		return err
	}

	job, err := d.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	width, height := resolutionDimensions(job.ProcessingConfig.Resolution)

	report(0.05, "downloading original media")
	originalPath, err := d.downloadToTemp(ctx, originalKey, "compileclips-orig-*")
	if err != nil {
		return xerrors.TransientBackend(err)
	}
	defer os.Remove(originalPath)

	workers := config.DefaultCompileMaxWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > config.MaxCompileWorkers {
		workers = config.MaxCompileWorkers
	}

	errs := make([]error, len(clips))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, clip := range clips {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, clip store.Clip) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = d.compileOneClip(ctx, jobID, originalPath, clip, transcript, width, height)
		}(i, clip)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		if err != nil {
			log.LogError(jobID, "compile clips: clip failed, skipping", err, "clip_id", clips[i].ClipID)
			continue
		}
		succeeded++
	}
	report(0.95, fmt.Sprintf("compiled %d/%d clips", succeeded, len(clips)))
	if succeeded == 0 {
		return xerrors.Unretriable(fmt.Errorf("compile clips: all %d clip(s) failed", len(clips)))
	}

	report(1, "compile clips complete")
	return nil
}

// compileOneClip extracts, re-encodes if needed, tags, thumbnails,
// subtitles and uploads a single clip's artifacts, then persists them.
func (d *Deps) compileOneClip(ctx context.Context, jobID, originalPath string, clip store.Clip, transcript []store.TranscriptSegment, width, height int) error {
	segmentPath, err := d.extractClipSegment(originalPath, clip)
	if err != nil {
		return err
	}
	defer os.Remove(segmentPath)

	finalPath, err := d.reencodeIfNeeded(ctx, segmentPath, clip, width, height)
	if err != nil {
		return err
	}
	if finalPath != segmentPath {
		defer os.Remove(finalPath)
	}

	taggedPath, err := d.attachClipMetadata(finalPath, clip)
	if err != nil {
		return err
	}
	defer os.Remove(taggedPath)

	thumbPath, err := d.generateClipThumbnail(taggedPath, clip)
	if err != nil {
		return err
	}
	defer os.Remove(thumbPath)

	vttBytes := subtitle.Format(clipCues(transcript, clip))

	info, err := os.Stat(taggedPath)
	if err != nil {
		return xerrors.TransientBackend(err)
	}

	clipKey := blob.ObjectKey(jobID, blob.PurposeClip, clip.ClipID, "mp4")
	thumbKey := blob.ObjectKey(jobID, blob.PurposeThumbnail, clip.ClipID, "jpg")
	subtitleKey := blob.ObjectKey(jobID, blob.PurposeSubtitle, clip.ClipID, "vtt")

	if err := d.uploadClipFile(ctx, clipKey, "video/mp4", taggedPath); err != nil {
		return err
	}
	if err := d.uploadClipFile(ctx, thumbKey, "image/jpeg", thumbPath); err != nil {
		return err
	}
	if err := d.Blob.Upload(ctx, subtitleKey, "text/vtt", bytes.NewReader(vttBytes)); err != nil {
		return err
	}

	return d.Store.UpdateClipArtifacts(ctx, clip.ClipID, clipKey, thumbKey, subtitleKey, info.Size())
}

func (d *Deps) extractClipSegment(originalPath string, clip store.Clip) (string, error) {
	f, err := os.CreateTemp(d.WorkDir, fmt.Sprintf("clip-%s-seg-*.mp4", clip.ClipID))
	if err != nil {
		return "", xerrors.TransientBackend(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)

	if err := d.Media.ExtractSegment(originalPath, path, clip.Start, clip.End); err != nil {
		return "", xerrors.TransientBackend(err)
	}
	return path, nil
}

// reencodeIfNeeded probes the extracted segment and transcodes it when its
// codec or dimensions don't already match the job's target encode, rather
// than re-encoding every clip unconditionally.
func (d *Deps) reencodeIfNeeded(ctx context.Context, segmentPath string, clip store.Clip, width, height int) (string, error) {
	probe, err := d.Media.Probe(ctx, segmentPath)
	if err != nil {
		log.Log(clip.JobID, "compile clips: probe failed, re-encoding defensively", "clip_id", clip.ClipID, "err", err)
		return d.transcodeClip(segmentPath, clip, width, height)
	}
	if probe.Codec == targetCodec && int(probe.Width) == width && int(probe.Height) == height {
		return segmentPath, nil
	}
	return d.transcodeClip(segmentPath, clip, width, height)
}

func (d *Deps) transcodeClip(segmentPath string, clip store.Clip, width, height int) (string, error) {
	f, err := os.CreateTemp(d.WorkDir, fmt.Sprintf("clip-%s-enc-*.mp4", clip.ClipID))
	if err != nil {
		return "", xerrors.TransientBackend(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)

	if err := d.Media.Transcode(segmentPath, path, width, height, targetFPS); err != nil {
		os.Remove(path)
		return "", xerrors.TransientBackend(err)
	}
	return path, nil
}

func (d *Deps) attachClipMetadata(path string, clip store.Clip) (string, error) {
	f, err := os.CreateTemp(d.WorkDir, fmt.Sprintf("clip-%s-meta-*.mp4", clip.ClipID))
	if err != nil {
		return "", xerrors.TransientBackend(err)
	}
	out := f.Name()
	f.Close()
	os.Remove(out)

	kv := map[string]string{
		"title": clip.Title,
		"order": fmt.Sprintf("%d", clip.Order),
	}
	if err := d.Media.SetMetadata(path, out, kv); err != nil {
		os.Remove(out)
		return "", xerrors.TransientBackend(err)
	}
	return out, nil
}

func (d *Deps) generateClipThumbnail(path string, clip store.Clip) (string, error) {
	f, err := os.CreateTemp(d.WorkDir, fmt.Sprintf("clip-%s-thumb-*.jpg", clip.ClipID))
	if err != nil {
		return "", xerrors.TransientBackend(err)
	}
	out := f.Name()
	f.Close()
	os.Remove(out)

	offset := thumbnailOffsetSecs
	if duration := clip.End - clip.Start; offset > duration/2 {
		offset = duration / 2
	}
	if err := d.Media.Thumbnail(path, out, offset); err != nil {
		os.Remove(out)
		return "", xerrors.TransientBackend(err)
	}
	return out, nil
}

func (d *Deps) uploadClipFile(ctx context.Context, key, contentType, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return xerrors.TransientBackend(err)
	}
	defer f.Close()
	return d.Blob.Upload(ctx, key, contentType, f)
}

// clipCues filters transcript segments to those overlapping [clip.Start,
// clip.End] and rebases them onto the clip's local (post-extraction)
// timeline, clamping any segment that spans a clip boundary.
func clipCues(transcript []store.TranscriptSegment, clip store.Clip) []subtitle.Cue {
	cues := make([]subtitle.Cue, 0, len(transcript))
	for _, seg := range transcript {
		if seg.End <= clip.Start || seg.Start >= clip.End {
			continue
		}
		start := seg.Start - clip.Start
		end := seg.End - clip.Start
		if start < 0 {
			start = 0
		}
		if end > clip.End-clip.Start {
			end = clip.End - clip.Start
		}
		cues = append(cues, subtitle.Cue{Start: start, End: end, Text: seg.Text})
	}
	return cues
}
