// Package modelgateway implements the Model Gateway: a unified call
// surface to three external model families (speech, vision, language) with
// per-call API-key binding, retry/backoff, and JSON-shape enforcement.
package modelgateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	xerrors "github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/metrics"

	"github.com/hashicorp/go-retryablehttp"
)

// bearerTransport injects the per-job API key as a bearer token, the way
// the Job Controller binds a principal's credential per call rather than at
// process startup.
type bearerTransport struct {
	apiKey string
	base   http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	return t.base.RoundTrip(req)
}

// newHTTPClient builds a retryablehttp client: up to 3 attempts total
// (RetryMax=2 retries beyond the first) with exponential backoff starting
// at a 2s base, and metrics.HttpRetryHook wired as CheckRetry so retries
// are counted.
func newHTTPClient(apiKey string, timeout time.Duration) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 2 * time.Second
	rc.RetryWaitMax = 8 * time.Second
	rc.CheckRetry = metrics.HttpRetryHook
	rc.Logger = nil
	rc.HTTPClient = &http.Client{Timeout: timeout}

	std := rc.StandardClient()
	std.Transport = &bearerTransport{apiKey: apiKey, base: std.Transport}
	return std
}

// doMonitored wraps metrics.MonitorRequest with the Model Gateway's own
// credential/status error classification.
func doMonitored(client *http.Client, req *http.Request) (*http.Response, error) {
	res, err := metrics.MonitorRequest(metrics.Metrics.ModelGatewayHTTP, client, req)
	if err != nil {
		return nil, xerrors.TransientBackend(fmt.Errorf("model gateway request failed: %w", err))
	}
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		res.Body.Close()
		return nil, xerrors.InvalidCredential
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		res.Body.Close()
		return nil, xerrors.TransientBackend(fmt.Errorf("model gateway returned status %d", res.StatusCode))
	case res.StatusCode >= 400:
		res.Body.Close()
		return nil, xerrors.Unretriable(fmt.Errorf("model gateway returned status %d", res.StatusCode))
	}
	return res, nil
}

// classifyErr labels a failed call for the ModelGatewayErrors counter.
func classifyErr(err error) string {
	switch {
	case xerrors.IsTransientBackend(err):
		return "transient"
	case errors.Is(err, xerrors.InvalidCredential) || errors.Is(err, xerrors.MissingCredential):
		return "credential"
	default:
		return "other"
	}
}
