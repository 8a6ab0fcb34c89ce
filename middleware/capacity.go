package middleware

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"

	"github.com/highlight-pipeline/orchestrator/config"
	"github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/metrics"
)

// RateLimiter is a token bucket admission layer: one
// golang.org/x/time/rate.Limiter per (principal_id, endpoint class),
// built lazily the first time that pair is seen.
type RateLimiter struct {
	limits map[string]config.RateLimit

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewRateLimiter(limits map[string]config.RateLimit) *RateLimiter {
	return &RateLimiter{limits: limits, buckets: map[string]*rate.Limiter{}}
}

func (r *RateLimiter) bucket(principal, class string) *rate.Limiter {
	key := principal + "\x00" + class
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[key]; ok {
		return b
	}
	limit := r.limits[class]
	b := rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)
	r.buckets[key] = b
	return b
}

// Allow wraps next with class's rate bucket for the request's principal
// (set by Authenticate). Exhaustion yields a 429 with
// X-RateLimit-Remaining/X-RateLimit-Reset headers.
func (r *RateLimiter) Allow(class string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		metrics.Metrics.HTTPRequestsInFlight.Add(1)
		defer metrics.Metrics.HTTPRequestsInFlight.Add(-1)

		principal, ok := PrincipalFromContext(req.Context())
		if !ok {
			errors.WriteHTTPUnauthorized(w, "missing principal", nil)
			return
		}

		limiter := r.bucket(principal, class)
		if !limiter.Allow() {
			resetSeconds := 1.0
			if limiter.Limit() > 0 {
				resetSeconds = 1 / float64(limiter.Limit())
			}
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%.0f", resetSeconds))
			errors.WriteHTTPTooManyRequests(w, fmt.Sprintf("rate limit exceeded for %s", class), nil)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", int(limiter.Tokens())))
		next(w, req, ps)
	}
}
