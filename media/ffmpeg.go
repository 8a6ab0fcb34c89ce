package media

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// ToolError carries the stderr ffmpeg produced, captured via
// WithErrorOutput into the wrapped error.
type ToolError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("media toolkit: %s failed: %v [%s]", e.Op, e.Err, e.Stderr)
}

func (e *ToolError) Unwrap() error { return e.Err }

func runFfmpeg(op string, graph *ffmpeg.Stream) error {
	var stderr bytes.Buffer
	if err := graph.OverWriteOutput().WithErrorOutput(&stderr).Run(); err != nil {
		return &ToolError{Op: op, Stderr: stderr.String(), Err: err}
	}
	return nil
}

// ExtractSegment stream-copies [start, end) of in into out, avoiding
// negative timestamps in the output.
func (t *Toolkit) ExtractSegment(in, out string, start, end float64) error {
	graph := ffmpeg.Input(in, ffmpeg.KwArgs{
		"ss": fmt.Sprintf("%.3f", start),
		"to": fmt.Sprintf("%.3f", end),
	}).Output(out, ffmpeg.KwArgs{
		"c":                "copy",
		"avoid_negative_ts": "make_zero",
	})
	return runFfmpeg("extract_segment", graph)
}

// Transcode re-encodes in to out at the given resolution/fps when a clip's
// source codec can't be stream-copied into the target container.
func (t *Toolkit) Transcode(in, out string, width, height, fps int) error {
	graph := ffmpeg.Input(in).Output(out, ffmpeg.KwArgs{
		"vf":     fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", width, height, width, height),
		"r":      fmt.Sprintf("%d", fps),
		"c:v":    "libx264",
		"c:a":    "aac",
		"preset": "veryfast",
	})
	return runFfmpeg("transcode", graph)
}

// Thumbnail extracts a single frame at offsetSeconds into a JPEG.
func (t *Toolkit) Thumbnail(in, out string, offsetSeconds float64) error {
	graph := ffmpeg.Input(in, ffmpeg.KwArgs{"ss": fmt.Sprintf("%.3f", offsetSeconds)}).
		Output(out, ffmpeg.KwArgs{
			"vframes": "1",
			"vf":      "scale=640:-2",
		})
	return runFfmpeg("thumbnail", graph)
}

// SetMetadata copies in to out unchanged except for the given metadata tags.
func (t *Toolkit) SetMetadata(in, out string, kv map[string]string) error {
	args := ffmpeg.KwArgs{"c": "copy"}
	i := 0
	for k, v := range kv {
		args[fmt.Sprintf("metadata:g:%d", i)] = fmt.Sprintf("%s=%s", k, v)
		i++
	}
	graph := ffmpeg.Input(in).Output(out, args)
	return runFfmpeg("set_metadata", graph)
}

// DetectSilence runs ffmpeg's silencedetect audio filter and parses the
// reported [start, end) ranges from stderr.
func (t *Toolkit) DetectSilence(in string, thresholdDBFS float64, minSilenceMs int) ([][2]float64, error) {
	var stderr bytes.Buffer
	err := ffmpeg.Input(in).
		Output(os.DevNull, ffmpeg.KwArgs{
			"af": fmt.Sprintf("silencedetect=noise=%gdB:d=%g", thresholdDBFS, float64(minSilenceMs)/1000.0),
			"f":  "null",
		}).
		WithErrorOutput(&stderr).
		Run()
	if err != nil {
		return nil, &ToolError{Op: "detect_silence", Stderr: stderr.String(), Err: err}
	}
	return parseSilenceDetectOutput(stderr.String())
}

func parseSilenceDetectOutput(output string) ([][2]float64, error) {
	var regions [][2]float64
	var pendingStart float64
	haveStart := false

	for _, line := range strings.Split(output, "\n") {
		if idx := strings.Index(line, "silence_start: "); idx >= 0 {
			var start float64
			if _, err := fmt.Sscanf(line[idx:], "silence_start: %f", &start); err == nil {
				pendingStart = start
				haveStart = true
			}
			continue
		}
		if idx := strings.Index(line, "silence_end: "); idx >= 0 && haveStart {
			var end, dur float64
			if _, err := fmt.Sscanf(line[idx:], "silence_end: %f | silence_duration: %f", &end, &dur); err == nil {
				regions = append(regions, [2]float64{pendingStart, end})
				haveStart = false
			}
		}
	}
	return regions, nil
}

// ConcatWithCrossfade normalizes each input to resolution@30fps with
// padding, then chains cross-fade transitions (video xfade + equal-power
// audio acrossfade) between consecutive inputs. offset_i is computed from
// cumulative real durations: offset_i = Σ d_k for k<i, minus i*transition.
func (t *Toolkit) ConcatWithCrossfade(inputs []string, out string, transitionSeconds float64, width, height int, durations []float64) error {
	if len(inputs) == 0 {
		return fmt.Errorf("concat_with_crossfade: no inputs")
	}
	if len(inputs) == 1 {
		return t.Transcode(inputs[0], out, width, height, 30)
	}
	if len(durations) != len(inputs) {
		return fmt.Errorf("concat_with_crossfade: durations must match inputs 1:1")
	}

	normalized := make([]*ffmpeg.Stream, len(inputs))
	for i, in := range inputs {
		normalized[i] = ffmpeg.Input(in).Filter("scale", ffmpeg.Args{
			fmt.Sprintf("%d:%d:force_original_aspect_ratio=decrease", width, height),
		}).Filter("pad", ffmpeg.Args{
			fmt.Sprintf("%d:%d:(ow-iw)/2:(oh-ih)/2", width, height),
		}).Filter("fps", ffmpeg.Args{"30"}).Filter("setsar", ffmpeg.Args{"1"})
	}

	video := normalized[0]
	audio := ffmpeg.Input(inputs[0])
	cumulative := durations[0]
	for i := 1; i < len(inputs); i++ {
		offset := cumulative - float64(i)*transitionSeconds
		video = ffmpeg.Filter([]*ffmpeg.Stream{video, normalized[i]}, "xfade", ffmpeg.Args{}, ffmpeg.KwArgs{
			"transition": "fade",
			"duration":   fmt.Sprintf("%.3f", transitionSeconds),
			"offset":     fmt.Sprintf("%.3f", offset),
		})
		audio = ffmpeg.Filter([]*ffmpeg.Stream{audio, ffmpeg.Input(inputs[i])}, "acrossfade", ffmpeg.Args{}, ffmpeg.KwArgs{
			"d":  fmt.Sprintf("%.3f", transitionSeconds),
			"c1": "qsin",
			"c2": "qsin",
		})
		cumulative += durations[i]
	}

	graph := ffmpeg.Output([]*ffmpeg.Stream{video, audio}, out)
	return runFfmpeg("concat_with_crossfade", graph)
}

// ConcatCompressedAudio concatenates keep-interval audio clips (already
// extracted via ExtractSegment) into a single compressed stream for
// Transcribe, using ffmpeg's concat demuxer.
func (t *Toolkit) ConcatCompressedAudio(listFile, out string) error {
	graph := ffmpeg.Input(listFile, ffmpeg.KwArgs{
		"f":    "concat",
		"safe": "0",
	}).Output(out, ffmpeg.KwArgs{"c": "copy"})
	return runFfmpeg("concat_compressed_audio", graph)
}

// WriteConcatList writes an ffmpeg concat-demuxer list file referencing
// paths in order.
func WriteConcatList(listFile string, paths []string) error {
	var sb strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		sb.WriteString(fmt.Sprintf("file '%s'\n", abs))
	}
	return os.WriteFile(listFile, []byte(sb.String()), 0o644)
}
