// Package stages implements the nine Stage Workers: the units of work
// the Stage DAG Executor schedules against a job. Each stage reads its
// inputs through the Artifact Store, does its work against local files
// fetched through the Blob Gateway, and writes its outputs back through the
// Artifact Store in a single transactional call.
package stages

import (
	"context"
	"io"
	"os"

	"github.com/highlight-pipeline/orchestrator/blob"
	"github.com/highlight-pipeline/orchestrator/media"
	"github.com/highlight-pipeline/orchestrator/modelgateway"
	"github.com/highlight-pipeline/orchestrator/progress"
	"github.com/highlight-pipeline/orchestrator/store"
)

// Deps bundles every collaborator a stage needs. One Deps is built per job
// run by the Stage DAG Executor and shared across its stages, the way a
// request-scoped unit of work is threaded through call chains rather than
// reached for as a global (design notes §9, "dependency-injected database
// sessions").
type Deps struct {
	Store   store.Store
	Blob    *blob.Gateway
	Media   *media.Toolkit
	Speech  *modelgateway.SpeechClient
	Vision  *modelgateway.VisionClient
	Lang    *modelgateway.LanguageClient
	Bus     *progress.Bus
	WorkDir string // scratch directory for this job's temp files
}

// Report publishes a progress.Record to the bus and persists the effective
// percent to the Artifact Store, the sink a progress.Reporter drives. percent
// is a global 0-100 value; stages that need their local [0,1] fraction
// rescaled into a band of the job's overall progress use ReportBand instead.
func (d *Deps) Report(ctx context.Context, jobID, stage string) func(percent float64, message string) {
	return func(percent float64, message string) {
		effective, err := d.Store.SetJobProgress(ctx, jobID, stage, percent, message)
		if err != nil {
			return
		}
		d.Bus.Publish(jobID, progress.Record{Kind: progress.RecordProgress, Stage: stage, Percent: effective, Message: message})
	}
}

// ReportBand returns a progress callback that rescales a stage's local
// [0,1] completion fraction into [bandStart, bandEnd] of the job's overall
// percent (e.g. 0.45-0.60 for ContentAnalyze), then reports it the way
// Report does.
func (d *Deps) ReportBand(ctx context.Context, jobID, stage string, bandStart, bandEnd float64) func(percent float64, message string) {
	report := d.Report(ctx, jobID, stage)
	return func(percent float64, message string) {
		report((bandStart+percent*(bandEnd-bandStart))*100, message)
	}
}

// downloadToTemp fetches key into a fresh temp file under d.WorkDir and
// returns its path; callers are responsible for removing it once done.
func (d *Deps) downloadToTemp(ctx context.Context, key, pattern string) (string, error) {
	r, err := d.Blob.Download(ctx, key)
	if err != nil {
		return "", err
	}
	defer r.Close()

	f, err := os.CreateTemp(d.WorkDir, pattern)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
