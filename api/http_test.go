package api

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/highlight-pipeline/orchestrator/config"
	"github.com/highlight-pipeline/orchestrator/handlers"
)

func TestRouterRegistersRoutes(t *testing.T) {
	require := require.New(t)
	h := handlers.New(nil, nil, nil, nil)
	router := NewRouter(h, config.Default())

	for _, route := range []struct{ method, path string }{
		{"GET", "/ok"},
		{"POST", "/api/jobs"},
		{"GET", "/api/jobs/:job_id"},
		{"DELETE", "/api/jobs/:job_id"},
		{"GET", "/api/jobs/:job_id/results"},
		{"GET", "/api/jobs/:job_id/live"},
	} {
		handle, _, _ := router.Lookup(route.method, route.path)
		require.NotNilf(handle, "expected a handler for %s %s", route.method, route.path)
	}
}
