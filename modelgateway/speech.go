package modelgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/highlight-pipeline/orchestrator/metrics"
)

// TranscriptSegment is the Model Gateway's transcription unit, on the
// caller-supplied audio's own timeline (the stage remaps it; see
// stages.Transcribe).
type TranscriptSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type TranscribeResult struct {
	Text     string              `json:"text"`
	Segments []TranscriptSegment `json:"segments"`
	Duration float64             `json:"duration"`
	Language string              `json:"language"`
}

type SpeechClient struct {
	endpoint string
	http     *http.Client
}

func NewSpeechClient(endpoint, apiKey string) *SpeechClient {
	return &SpeechClient{endpoint: endpoint, http: newHTTPClient(apiKey, 5*time.Minute)}
}

// Transcribe uploads a single audio chunk and returns its best-effort
// segments; the caller remaps start/end onto the original timeline.
func (c *SpeechClient) Transcribe(ctx context.Context, audio io.Reader, filename string) (TranscribeResult, error) {
	start := time.Now()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("audio", filename)
	if err != nil {
		return TranscribeResult{}, fmt.Errorf("failed to build transcription request: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return TranscribeResult{}, fmt.Errorf("failed to buffer audio for transcription: %w", err)
	}
	if err := writer.Close(); err != nil {
		return TranscribeResult{}, fmt.Errorf("failed to finalize transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/transcribe", &body)
	if err != nil {
		return TranscribeResult{}, fmt.Errorf("failed to build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	res, err := doMonitored(c.http, req)
	if err != nil {
		metrics.Metrics.ModelGatewayErrors.WithLabelValues("speech", "transcribe", classifyErr(err)).Inc()
		return TranscribeResult{}, err
	}
	defer res.Body.Close()

	var result TranscribeResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		metrics.Metrics.ModelGatewayErrors.WithLabelValues("speech", "transcribe", "decode").Inc()
		return TranscribeResult{}, fmt.Errorf("failed to decode transcription response: %w", err)
	}

	metrics.Metrics.ModelGatewayClient.WithLabelValues("speech", "transcribe", "true").Observe(time.Since(start).Seconds())
	return result, nil
}
