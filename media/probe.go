// Package media implements the Media Toolkit: thin wrappers over
// ffprobe/ffmpeg for probing, segment extraction, re-encode, thumbnailing,
// metadata tagging and cross-fade concatenation. Every external-process
// call runs against a local path; callers own downloading from/uploading to
// the blob gateway around these calls.
package media

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	ffprobe "gopkg.in/vansante/go-ffprobe.v2"
)

var unsupportedVideoCodecs = []string{"mjpeg", "jpeg", "png"}

// Probe is the result of probing a media file.
type Probe struct {
	Duration   float64
	Width      int64
	Height     int64
	FPS        float64
	Codec      string
	Bitrate    int64
	HasAudio   bool
	AudioCodec string
}

type Toolkit struct {
	// ProbeTimeout bounds a single ffprobe invocation.
	ProbeTimeout time.Duration
}

func NewToolkit() *Toolkit {
	return &Toolkit{ProbeTimeout: 60 * time.Second}
}

// Probe inspects the local media file at path, retrying transient ffprobe
// failures the way video.Probe.runProbe does.
func (t *Toolkit) Probe(ctx context.Context, path string) (Probe, error) {
	var data *ffprobe.ProbeData

	operation := func() error {
		probeCtx, cancel := context.WithTimeout(ctx, t.ProbeTimeout)
		defer cancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, path, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3)); err != nil {
		return Probe{}, fmt.Errorf("error probing %s: %w", path, err)
	}
	return parseProbeData(data)
}

func parseProbeData(data *ffprobe.ProbeData) (Probe, error) {
	videoStream := data.FirstVideoStream()
	if videoStream == nil {
		return Probe{}, errors.New("no video stream found")
	}
	for _, codec := range unsupportedVideoCodecs {
		if strings.EqualFold(videoStream.CodecName, codec) {
			return Probe{}, fmt.Errorf("unsupported video codec %s", videoStream.CodecName)
		}
	}
	if data.Format == nil {
		return Probe{}, errors.New("format information missing from probe data")
	}

	duration, err := strconv.ParseFloat(videoStream.Duration, 64)
	if err != nil {
		duration = data.Format.DurationSeconds
	}

	bitrate, _ := strconv.ParseInt(videoStream.BitRate, 10, 64)
	if bitrate == 0 {
		bitrate, _ = strconv.ParseInt(data.Format.BitRate, 10, 64)
	}

	fps, err := parseFrameRate(videoStream.AvgFrameRate)
	if err != nil || fps == 0 {
		fps, _ = parseFrameRate(videoStream.RFrameRate)
	}

	p := Probe{
		Duration: duration,
		Width:    int64(videoStream.Width),
		Height:   int64(videoStream.Height),
		FPS:      fps,
		Codec:    videoStream.CodecName,
		Bitrate:  bitrate,
	}

	if audioStream := data.FirstAudioStream(); audioStream != nil {
		p.HasAudio = true
		p.AudioCodec = audioStream.CodecName
	}
	return p, nil
}

func parseFrameRate(framerate string) (float64, error) {
	if framerate == "" {
		return 0, nil
	}
	parts := strings.SplitN(framerate, "/", 2)
	if len(parts) < 2 {
		return strconv.ParseFloat(framerate, 64)
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("error parsing framerate numerator: %w", err)
	}
	den, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("error parsing framerate denominator: %w", err)
	}
	if den == 0 {
		if num == 0 {
			return 0, nil
		}
		return 0, errors.New("invalid framerate denominator 0")
	}
	return float64(num) / float64(den), nil
}
