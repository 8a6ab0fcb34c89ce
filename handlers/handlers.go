// Package handlers implements the HTTP surface: job submission, status,
// cancellation, and results lookups, plus the live subscriber websocket
// endpoint. Every handler is a method on Collection so they share the Job
// Controller, Store, and Progress Bus without package-level globals.
package handlers

import (
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/highlight-pipeline/orchestrator/blob"
	"github.com/highlight-pipeline/orchestrator/job"
	"github.com/highlight-pipeline/orchestrator/progress"
	"github.com/highlight-pipeline/orchestrator/store"
)

// Collection holds every dependency a handler needs, so routes share the
// Job Controller, Store, and Progress Bus without package-level globals.
type Collection struct {
	Jobs  *job.Controller
	Store store.Store
	Bus   *progress.Bus
	Blob  *blob.Gateway
}

func New(jobs *job.Controller, st store.Store, bus *progress.Bus, blobGW *blob.Gateway) *Collection {
	return &Collection{Jobs: jobs, Store: st, Bus: bus, Blob: blobGW}
}

// Ok is the liveness probe, unauthenticated and unrated.
func (c *Collection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		io.WriteString(w, "OK")
	}
}
