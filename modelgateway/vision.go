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

type FrameAnalysis struct {
	TextBlocks     []string `json:"text_blocks"`
	VisualElements []string `json:"visual_elements"`
	KeyConcepts    []string `json:"key_concepts"`
}

type VisionClient struct {
	endpoint string
	http     *http.Client
}

func NewVisionClient(endpoint, apiKey string) *VisionClient {
	return &VisionClient{endpoint: endpoint, http: newHTTPClient(apiKey, 60*time.Second)}
}

// AnalyzeFrame sends a single extracted frame for layout/slide-content
// analysis.
func (c *VisionClient) AnalyzeFrame(ctx context.Context, frame io.Reader, filename string) (FrameAnalysis, error) {
	start := time.Now()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return FrameAnalysis{}, fmt.Errorf("failed to build vision request: %w", err)
	}
	if _, err := io.Copy(part, frame); err != nil {
		return FrameAnalysis{}, fmt.Errorf("failed to buffer frame for analysis: %w", err)
	}
	if err := writer.Close(); err != nil {
		return FrameAnalysis{}, fmt.Errorf("failed to finalize vision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/analyze-frame", &body)
	if err != nil {
		return FrameAnalysis{}, fmt.Errorf("failed to build vision request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	res, err := doMonitored(c.http, req)
	if err != nil {
		metrics.Metrics.ModelGatewayErrors.WithLabelValues("vision", "analyze_frame", classifyErr(err)).Inc()
		return FrameAnalysis{}, err
	}
	defer res.Body.Close()

	var result FrameAnalysis
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		metrics.Metrics.ModelGatewayErrors.WithLabelValues("vision", "analyze_frame", "decode").Inc()
		return FrameAnalysis{}, fmt.Errorf("failed to decode vision response: %w", err)
	}

	metrics.Metrics.ModelGatewayClient.WithLabelValues("vision", "analyze_frame", "true").Observe(time.Since(start).Seconds())
	return result, nil
}
