package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/highlight-pipeline/orchestrator/config"
	xerrors "github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/highlight-pipeline/orchestrator/modelgateway"
	"github.com/highlight-pipeline/orchestrator/store"
)

// ContentAnalyze decomposes the transcript (and, in vision mode, slide
// content) into topical ContentSegments via the Model Gateway, filtering by
// importance and duration. Fatal: a failure here fails the job outright.
func ContentAnalyze(ctx context.Context, d *Deps, jobID string, visionMode bool, report func(float64, string)) error {
	report(0, "loading transcript")
	transcript, err := d.Store.GetTranscriptSegments(ctx, jobID)
	if err != nil {
		return err
	}

	var slideContext string
	if visionMode {
		slides, err := d.Store.GetSlideContent(ctx, jobID)
		if err != nil {
			log.Log(jobID, "content analyze proceeding without slide content", "err", err)
		} else {
			slideContext = formatSlideContext(slides)
		}
	}

	report(0.2, "decomposing topics")
	topics, err := d.Lang.DecomposeTopics(ctx, formatTranscriptForAnalysis(transcript), slideContext)
	if err != nil {
		return err
	}

	report(0.8, "filtering segments")
	segments := filterTopicSegments(topics)
	if len(segments) == 0 {
		return xerrors.Unretriable(fmt.Errorf("content analyze: no topic segments survived importance/duration filtering"))
	}

	report(0.95, "writing content segments")
	if err := d.Store.PutContentSegments(ctx, jobID, segments); err != nil {
		return err
	}
	report(1, "content analyze complete")
	return nil
}

func formatTranscriptForAnalysis(segments []store.TranscriptSegment) string {
	var b strings.Builder
	for _, s := range segments {
		fmt.Fprintf(&b, "[%.1f-%.1f] %s\n", s.Start, s.End, s.Text)
	}
	return b.String()
}

func formatSlideContext(slides []store.SlideContent) string {
	var b strings.Builder
	for _, s := range slides {
		fmt.Fprintf(&b, "[%.1fs] %s\n", s.Timestamp, strings.Join(s.TextBlocks, "; "))
	}
	return b.String()
}

// filterTopicSegments applies the importance/duration filter, sorts
// chronologically, and assigns sequential Order: the chronological,
// non-overlapping shape store.PutContentSegments requires.
func filterTopicSegments(topics []modelgateway.TopicSegment) []store.ContentSegment {
	sorted := append([]modelgateway.TopicSegment(nil), topics...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := make([]store.ContentSegment, 0, len(sorted))
	for _, t := range sorted {
		if t.Importance < config.DefaultMinImportanceScore {
			continue
		}
		duration := t.End - t.Start
		if duration < config.DefaultSegmentMinSeconds || duration > config.DefaultSegmentMaxSeconds {
			continue
		}
		out = append(out, store.ContentSegment{
			Start:       t.Start,
			End:         t.End,
			Topic:       t.Topic,
			Description: t.Description,
			Importance:  t.Importance,
			Keywords:    t.Keywords,
			Concepts:    t.Concepts,
		})
	}
	for i := range out {
		out[i].Order = i
	}
	return out
}
