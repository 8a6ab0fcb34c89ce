package modelgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/metrics"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LanguageClient exposes the three structured-JSON operations ContentAnalyze,
// SummaryGenerate and QuizGenerate need, built on langchaingo's
// provider-agnostic chat-completion call so the configured endpoint/model
// can point at any OpenAI-compatible Language capability.
type LanguageClient struct {
	model llms.Model
}

func NewLanguageClient(endpoint, model, apiKey string) (*LanguageClient, error) {
	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithModel(model),
		openai.WithBaseURL(endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to construct language model client: %w", err)
	}
	return &LanguageClient{model: llm}, nil
}

// TopicSegment is ContentAnalyze's per-topic unit before boundary snapping.
type TopicSegment struct {
	Start       float64  `json:"start"`
	End         float64  `json:"end"`
	Topic       string   `json:"topic"`
	Description string   `json:"description"`
	Importance  float64  `json:"importance"`
	Keywords    []string `json:"keywords"`
	Concepts    []string `json:"concepts"`
}

func (c *LanguageClient) DecomposeTopics(ctx context.Context, transcript string, slideContext string) ([]TopicSegment, error) {
	var out struct {
		Segments []TopicSegment `json:"segments"`
	}
	prompt := fmt.Sprintf(
		"You are analyzing a lecture transcript to find topical segments.\n"+
			"Transcript:\n%s\n\nSlide context (may be empty):\n%s\n\n"+
			"Return JSON: {\"segments\": [{\"start\":seconds,\"end\":seconds,\"topic\":str,\"description\":str,\"importance\":0..1,\"keywords\":[str],\"concepts\":[str]}]}",
		transcript, slideContext)

	if err := c.callStructured(ctx, "decompose_topics", prompt, []string{"segments"}, &out); err != nil {
		return nil, err
	}
	return out.Segments, nil
}

func (c *LanguageClient) GenerateSummary(ctx context.Context, transcript string) (text string, keyPoints []string, err error) {
	var out struct {
		Text      string   `json:"text"`
		KeyPoints []string `json:"key_points"`
	}
	prompt := fmt.Sprintf(
		"Summarize this lecture transcript in a few sentences and list its key points.\n"+
			"Transcript:\n%s\n\nReturn JSON: {\"text\":str,\"key_points\":[str]}", transcript)

	if err := c.callStructured(ctx, "generate_summary", prompt, []string{"text", "key_points"}, &out); err != nil {
		return "", nil, err
	}
	return out.Text, out.KeyPoints, nil
}

type QuizQuestion struct {
	Question           string   `json:"question"`
	Choices            []string `json:"choices"`
	CorrectIndex       int      `json:"correct_index"`
	SourceSegmentOrder int      `json:"source_segment_order"`
}

func (c *LanguageClient) GenerateQuiz(ctx context.Context, segments []TopicSegment) ([]QuizQuestion, error) {
	var out struct {
		Questions []QuizQuestion `json:"questions"`
	}
	segJSON, err := json.Marshal(segments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal segments for quiz prompt: %w", err)
	}
	prompt := fmt.Sprintf(
		"Write one multiple-choice quiz question per topic segment below, testing understanding of that topic.\n"+
			"Segments:\n%s\n\n"+
			"Return JSON: {\"questions\": [{\"question\":str,\"choices\":[str,str,str,str],\"correct_index\":0..3,\"source_segment_order\":int}]}",
		segJSON)

	if err := c.callStructured(ctx, "generate_quiz", prompt, []string{"questions"}, &out); err != nil {
		return nil, err
	}
	return out.Questions, nil
}

// callStructured strips markdown fences, parses, validates required
// top-level keys are present, and on shape failure retries once with an
// explicit "return ONLY valid JSON" reminder. Model responses are treated
// as untrusted input throughout.
func (c *LanguageClient) callStructured(ctx context.Context, op, prompt string, requiredKeys []string, dst any) error {
	start := time.Now()

	text, err := c.complete(ctx, prompt)
	if err != nil {
		metrics.Metrics.ModelGatewayErrors.WithLabelValues("language", op, classifyErr(err)).Inc()
		return err
	}

	if err := parseAndValidate(text, requiredKeys, dst); err != nil {
		reminder := prompt + "\n\nReturn ONLY valid JSON, no prose, no markdown code fences."
		text, err = c.complete(ctx, reminder)
		if err != nil {
			metrics.Metrics.ModelGatewayErrors.WithLabelValues("language", op, classifyErr(err)).Inc()
			return err
		}
		if err := parseAndValidate(text, requiredKeys, dst); err != nil {
			metrics.Metrics.ModelGatewayErrors.WithLabelValues("language", op, "shape").Inc()
			return xerrors.Unretriable(fmt.Errorf("language model response did not match expected shape for %s: %w", op, err))
		}
	}

	metrics.Metrics.ModelGatewayClient.WithLabelValues("language", op, "true").Observe(time.Since(start).Seconds())
	return nil
}

func (c *LanguageClient) complete(ctx context.Context, prompt string) (string, error) {
	text, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt, llms.WithTemperature(0.2))
	if err != nil {
		return "", xerrors.TransientBackend(fmt.Errorf("language model call failed: %w", err))
	}
	if strings.TrimSpace(text) == "" {
		return "", xerrors.TransientBackend(fmt.Errorf("language model returned an empty response"))
	}
	return text, nil
}

func parseAndValidate(text string, requiredKeys []string, dst any) error {
	cleaned := stripMarkdownFence(text)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return fmt.Errorf("response is not valid JSON: %w", err)
	}
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			return fmt.Errorf("response is missing required key %q", key)
		}
	}
	if err := json.Unmarshal([]byte(cleaned), dst); err != nil {
		return fmt.Errorf("response did not decode into expected shape: %w", err)
	}
	return nil
}

func stripMarkdownFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}
