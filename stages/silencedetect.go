package stages

import (
	"context"
	"os"

	xerrors "github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/highlight-pipeline/orchestrator/store"

	"github.com/highlight-pipeline/orchestrator/config"
)

// SilenceDetect scans the original media for near-silent spans. A missing
// audio track is fatal (xerrors.NoAudioTrack); any other failure is
// degradable and the caller should treat the job as having no silence.
func SilenceDetect(ctx context.Context, d *Deps, jobID, originalKey string, report func(float64, string)) error {
	report(0, "downloading original media")
	path, err := d.downloadToTemp(ctx, originalKey, "silencedetect-*")
	if err != nil {
		return xerrors.TransientBackend(err)
	}
	defer os.Remove(path)

	probe, err := d.Media.Probe(ctx, path)
	if err != nil {
		return xerrors.Degradable(err)
	}
	if !probe.HasAudio {
		return xerrors.NoAudioTrack
	}
	report(0.5, "scanning for silence")

	raw, err := d.Media.DetectSilence(path, config.DefaultSilenceThresholdDBFS, config.DefaultMinSilenceMs)
	if err != nil {
		return xerrors.Degradable(err)
	}

	regions := make([]store.SilenceRegion, 0, len(raw))
	for _, r := range raw {
		regions = append(regions, store.SilenceRegion{
			JobID:         jobID,
			Start:         r[0],
			End:           r[1],
			ThresholdDBFS: config.DefaultSilenceThresholdDBFS,
		})
	}

	if err := d.Store.PutSilenceRegions(ctx, jobID, regions); err != nil {
		return err
	}
	if err := d.Store.SetVideoDuration(ctx, jobID, probe.Duration); err != nil {
		log.Log(jobID, "failed to persist video duration from SilenceDetect", "err", err)
	}
	report(1, "silence scan complete")
	return nil
}
