// Package api constructs the route table in front of the handlers package:
// every HTTP/websocket endpoint carries request logging, and the
// authenticated job routes additionally carry the Admission & Quota
// middleware chain (CORS, auth, rate limit).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/highlight-pipeline/orchestrator/config"
	"github.com/highlight-pipeline/orchestrator/handlers"
	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/highlight-pipeline/orchestrator/middleware"
)

// ListenAndServe starts the public API server and blocks until ctx is
// canceled, then drains in-flight requests before returning.
func ListenAndServe(ctx context.Context, cli config.Cli, h *handlers.Collection, cfg config.Config) error {
	router := NewRouter(h, cfg)
	server := http.Server{Addr: cli.HTTPAddress, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoRequestID(
		"Starting highlight orchestration API!",
		"version", config.Version,
		"host", cli.HTTPAddress,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil && err != http.ErrServerClosed {
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// NewRouter builds the route table. Every route carries logging; every
// authenticated route additionally carries CORS, Authenticate and the
// per-endpoint-class rate limiter. /ok and the live route carry logging
// only.
func NewRouter(h *handlers.Collection, cfg config.Config) *httprouter.Router {
	router := httprouter.New()

	withLogging := middleware.LogRequest()
	withCORS := middleware.AllowCORS()
	limiter := middleware.NewRateLimiter(cfg.RateLimits)

	authed := func(class string, handle httprouter.Handle) httprouter.Handle {
		return withLogging(withCORS(middleware.Authenticate(limiter.Allow(class, handle))))
	}

	router.GET("/ok", withLogging(h.Ok()))

	router.POST("/api/jobs", authed("submit", h.SubmitJob()))
	router.GET("/api/jobs/:job_id", authed("status", h.JobStatus()))
	router.DELETE("/api/jobs/:job_id", authed("status", h.CancelJob()))
	router.GET("/api/jobs/:job_id/results", authed("results", h.Results()))

	// The live subscriber surface authenticates off a query-string token
	// (browsers can't set a custom header on the request that opens a
	// websocket), so it resolves its own principal via
	// middleware.AuthenticateQuery rather than middleware.Authenticate, and
	// is exempt from the per-request-class token bucket: its cost is one
	// long-lived connection, not a request rate.
	router.GET("/api/jobs/:job_id/live", withLogging(h.Live()))

	return router
}
