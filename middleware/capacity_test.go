package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/highlight-pipeline/orchestrator/config"
)

func withTestPrincipal(r *http.Request, principal string) *http.Request {
	return r.WithContext(withPrincipal(r.Context(), principal))
}

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(map[string]config.RateLimit{"submit": {Rate: 1, Burst: 2}})

	var calls int
	next := func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) { calls++ }
	handler := rl.Allow("submit", next)

	for i := 0; i < 2; i++ {
		req := withTestPrincipal(httptest.NewRequest(http.MethodPost, "/jobs", nil), "principal-1")
		rr := httptest.NewRecorder()
		handler(rr, req, nil)
		require.Equal(t, http.StatusOK, rr.Code)
	}
	require.Equal(t, 2, calls)
}

func TestRateLimiterRejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(map[string]config.RateLimit{"submit": {Rate: 0.001, Burst: 1}})

	next := func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {}
	handler := rl.Allow("submit", next)

	req := withTestPrincipal(httptest.NewRequest(http.MethodPost, "/jobs", nil), "principal-1")
	rr := httptest.NewRecorder()
	handler(rr, req, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr2 := httptest.NewRecorder()
	handler(rr2, req, nil)
	require.Equal(t, http.StatusTooManyRequests, rr2.Code)
	require.Equal(t, "0", rr2.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rr2.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimiterBucketsArePerPrincipal(t *testing.T) {
	rl := NewRateLimiter(map[string]config.RateLimit{"submit": {Rate: 0.001, Burst: 1}})

	next := func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {}
	handler := rl.Allow("submit", next)

	req1 := withTestPrincipal(httptest.NewRequest(http.MethodPost, "/jobs", nil), "principal-1")
	rr1 := httptest.NewRecorder()
	handler(rr1, req1, nil)
	require.Equal(t, http.StatusOK, rr1.Code)

	req2 := withTestPrincipal(httptest.NewRequest(http.MethodPost, "/jobs", nil), "principal-2")
	rr2 := httptest.NewRecorder()
	handler(rr2, req2, nil)
	require.Equal(t, http.StatusOK, rr2.Code)
}

func TestRateLimiterRejectsMissingPrincipal(t *testing.T) {
	rl := NewRateLimiter(map[string]config.RateLimit{"submit": {Rate: 1, Burst: 1}})

	next := func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {}
	handler := rl.Allow("submit", next)

	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	rr := httptest.NewRecorder()
	handler(rr, req, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}
