package stages

import (
	"context"

	"github.com/highlight-pipeline/orchestrator/config"
	"github.com/highlight-pipeline/orchestrator/store"
)

// SummaryGenerate produces a short job-level summary from the transcript via
// the Model Gateway. A supplemental stage; its caller treats failure as
// degradable the same way LayoutDetect's is.
func SummaryGenerate(ctx context.Context, d *Deps, jobID string, report func(float64, string)) error {
	report(0, "loading transcript")
	transcript, err := d.Store.GetTranscriptSegments(ctx, jobID)
	if err != nil {
		return err
	}

	report(0.2, "generating summary")
	text, keyPoints, err := d.Lang.GenerateSummary(ctx, formatTranscriptForAnalysis(transcript))
	if err != nil {
		return err
	}

	report(0.9, "writing summary")
	if err := d.Store.PutSummary(ctx, jobID, store.Summary{
		JobID:       jobID,
		Text:        text,
		KeyPoints:   keyPoints,
		GeneratedAt: config.Clock.GetTime(),
	}); err != nil {
		return err
	}
	report(1, "summary generate complete")
	return nil
}
