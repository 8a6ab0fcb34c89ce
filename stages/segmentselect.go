package stages

import (
	"context"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/highlight-pipeline/orchestrator/config"
	"github.com/highlight-pipeline/orchestrator/store"
)

const boundarySnapWindowSeconds = 5.0

// SegmentSelect picks up to config.DefaultMaxClipsPerJob ContentSegments by
// importance, each within the configured clip duration bounds, then snaps
// their boundaries to nearby silence. Fatal: a failure here fails the job.
func SegmentSelect(ctx context.Context, d *Deps, jobID string, report func(float64, string)) error {
	report(0, "loading content segments")
	segments, err := d.Store.GetContentSegments(ctx, jobID)
	if err != nil {
		return err
	}
	silence, err := d.Store.GetSilenceRegions(ctx, jobID)
	if err != nil {
		return err
	}

	report(0.3, "selecting clips")
	candidates := selectCandidates(segments)

	clips := make([]store.Clip, 0, len(candidates))
	for i, c := range candidates {
		start, end, startAdjusted, endAdjusted := snapClipBoundaries(c.Start, c.End, silence)
		clips = append(clips, store.Clip{
			ClipID:        uuid.NewString(),
			JobID:         jobID,
			Start:         start,
			End:           end,
			Order:         i,
			Title:         c.Topic,
			Importance:    c.Importance,
			StartAdjusted: startAdjusted,
			EndAdjusted:   endAdjusted,
		})
	}

	report(0.9, "writing clips")
	if err := d.Store.PutClips(ctx, jobID, clips); err != nil {
		return err
	}
	report(1, "segment select complete")
	return nil
}

// selectCandidates filters ContentSegments to the clip duration bounds,
// ranks by importance, and caps at the per-job clip limit.
func selectCandidates(segments []store.ContentSegment) []store.ContentSegment {
	candidates := make([]store.ContentSegment, 0, len(segments))
	for _, s := range segments {
		d := s.Duration()
		if d < float64(config.DefaultClipMinDurationSeconds) || d > float64(config.DefaultClipMaxDurationSeconds) {
			continue
		}
		candidates = append(candidates, s)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Importance > candidates[j].Importance })
	if len(candidates) > config.DefaultMaxClipsPerJob {
		candidates = candidates[:config.DefaultMaxClipsPerJob]
	}
	return candidates
}

// snapClipBoundaries nudges a clip's [cs, ce) boundaries to the edge of a
// nearby silence region on each side independently. A snap that would leave
// end <= start+1s is rejected in full: both boundaries revert to their
// original unsnapped values (see DESIGN.md for the reasoning).
func snapClipBoundaries(cs, ce float64, silence []store.SilenceRegion) (start, end float64, startAdjusted, endAdjusted bool) {
	start, startAdjusted = snapStart(cs, silence)
	end, endAdjusted = snapEnd(ce, silence)
	if end <= start+1.0 {
		return cs, ce, false, false
	}
	return start, end, startAdjusted, endAdjusted
}

// snapStart looks within ±boundarySnapWindowSeconds of cs for the silence
// region whose end time is closest, preferring one at or before cs.
func snapStart(cs float64, silence []store.SilenceRegion) (float64, bool) {
	if v, ok := closestBy(silence, cs, func(s store.SilenceRegion) (float64, bool) {
		return s.End, s.End <= cs
	}); ok {
		return v, true
	}
	if v, ok := closestBy(silence, cs, func(s store.SilenceRegion) (float64, bool) {
		return s.End, s.End > cs
	}); ok {
		return v, true
	}
	return cs, false
}

// snapEnd looks within ±boundarySnapWindowSeconds of ce for the silence
// region whose start time is closest, preferring one at or after ce.
func snapEnd(ce float64, silence []store.SilenceRegion) (float64, bool) {
	if v, ok := closestBy(silence, ce, func(s store.SilenceRegion) (float64, bool) {
		return s.Start, s.Start >= ce
	}); ok {
		return v, true
	}
	if v, ok := closestBy(silence, ce, func(s store.SilenceRegion) (float64, bool) {
		return s.Start, s.Start < ce
	}); ok {
		return v, true
	}
	return ce, false
}

// closestBy finds the candidate value (from sel) closest to target, within
// boundarySnapWindowSeconds, among regions sel accepts.
func closestBy(silence []store.SilenceRegion, target float64, sel func(store.SilenceRegion) (value float64, accept bool)) (float64, bool) {
	best := math.Inf(1)
	bestVal := 0.0
	found := false
	for _, s := range silence {
		value, accept := sel(s)
		if !accept {
			continue
		}
		d := math.Abs(value - target)
		if d > boundarySnapWindowSeconds {
			continue
		}
		if d < best {
			best, bestVal, found = d, value, true
		}
	}
	return bestVal, found
}
