package stages

import (
	"context"

	"github.com/highlight-pipeline/orchestrator/modelgateway"
	"github.com/highlight-pipeline/orchestrator/store"
)

// QuizGenerate produces one multiple-choice question per ContentSegment via
// the Model Gateway. A supplemental stage; degradable the same way
// LayoutDetect's failure is: a job's clips and transcript are useful
// without a quiz.
func QuizGenerate(ctx context.Context, d *Deps, jobID string, report func(float64, string)) error {
	report(0, "loading content segments")
	segments, err := d.Store.GetContentSegments(ctx, jobID)
	if err != nil {
		return err
	}

	report(0.2, "generating quiz")
	questions, err := d.Lang.GenerateQuiz(ctx, toTopicSegments(segments))
	if err != nil {
		return err
	}

	out := make([]store.QuizQuestion, 0, len(questions))
	for _, q := range questions {
		out = append(out, store.QuizQuestion{
			JobID:              jobID,
			Question:           q.Question,
			Choices:            q.Choices,
			CorrectIndex:       q.CorrectIndex,
			SourceSegmentOrder: q.SourceSegmentOrder,
		})
	}

	report(0.9, "writing quiz questions")
	if err := d.Store.PutQuizQuestions(ctx, jobID, out); err != nil {
		return err
	}
	report(1, "quiz generate complete")
	return nil
}

// toTopicSegments converts stored ContentSegments back to the
// modelgateway.TopicSegment shape GenerateQuiz's prompt builder expects.
func toTopicSegments(segments []store.ContentSegment) []modelgateway.TopicSegment {
	out := make([]modelgateway.TopicSegment, 0, len(segments))
	for _, s := range segments {
		out = append(out, modelgateway.TopicSegment{
			Start:       s.Start,
			End:         s.End,
			Topic:       s.Topic,
			Description: s.Description,
			Importance:  s.Importance,
			Keywords:    s.Keywords,
			Concepts:    s.Concepts,
		})
	}
	return out
}
