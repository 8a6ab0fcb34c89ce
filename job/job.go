// Package job implements the Job Controller: the single entry point
// that turns a validated submission into a running DAG, enforces the
// per-principal concurrency cap, and reacts to a run's terminal outcome.
package job

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/highlight-pipeline/orchestrator/blob"
	"github.com/highlight-pipeline/orchestrator/config"
	"github.com/highlight-pipeline/orchestrator/crypto"
	xerrors "github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/highlight-pipeline/orchestrator/media"
	"github.com/highlight-pipeline/orchestrator/modelgateway"
	"github.com/highlight-pipeline/orchestrator/pipeline"
	"github.com/highlight-pipeline/orchestrator/progress"
	"github.com/highlight-pipeline/orchestrator/stages"
	"github.com/highlight-pipeline/orchestrator/store"
)

// ErrInvalidDescriptor marks a submission rejected before any state is
// written: a bad filename, an out-of-range size, or a disallowed content
// type.
var ErrInvalidDescriptor = errors.New("invalid media descriptor")

// ErrQuotaExceeded marks a submission rejected because the principal already
// has config.Config.ConcurrentJobsPerPrincipal jobs running.
var ErrQuotaExceeded = errors.New("concurrent job quota exceeded")

// MediaDescriptor is the client-asserted shape of the file about to be
// uploaded, validated before any state is written.
type MediaDescriptor struct {
	Filename      string
	FileSizeBytes int64
	ContentType   string
}

// SubmitResult is the job-submission response: the caller uploads the
// asserted file directly to UploadURL with an HTTP PUT (the grant is a
// presigned PUT URL, so UploadFields is left empty), then the pipeline picks it up at
// BlobKey once JobID's status moves past queued.
type SubmitResult struct {
	JobID            string
	UploadURL        string
	UploadFields     map[string]string
	ExpiresInSeconds int
	BlobKey          string
}

// Notifier is an optional external hook invoked once a job reaches a
// terminal state, e.g. a webhook or pub/sub publish outside the Progress
// Bus. Nil means no notification is sent.
type Notifier interface {
	Notify(ctx context.Context, j store.Job) error
}

// jobResources is the per-job bookkeeping the Controller needs to release
// once a run finishes: the decrypted credential bytes to zero and the
// scratch directory to remove.
type jobResources struct {
	principal string
	apiKey    []byte
	workDir   string
}

// Controller is the Job Controller. One Controller is constructed per
// process and wired to a single pipeline.Coordinator via its Terminal
// callback.
type Controller struct {
	Store       store.Store
	Blob        *blob.Gateway
	Media       *media.Toolkit
	Bus         *progress.Bus
	Coordinator *pipeline.Coordinator
	PrivateKey  *rsa.PrivateKey
	Config      config.Config
	Notifier    Notifier

	mu        sync.Mutex
	running   map[string]int
	resources map[string]*jobResources
}

// NewController wires coord's Terminal callback to this Controller's own
// cleanup and returns the assembled Controller.
func NewController(st store.Store, blobGW *blob.Gateway, mediaTK *media.Toolkit, bus *progress.Bus, coord *pipeline.Coordinator, privateKey *rsa.PrivateKey, cfg config.Config, notifier Notifier) *Controller {
	c := &Controller{
		Store:       st,
		Blob:        blobGW,
		Media:       mediaTK,
		Bus:         bus,
		Coordinator: coord,
		PrivateKey:  privateKey,
		Config:      cfg,
		Notifier:    notifier,
		running:     map[string]int{},
		resources:   map[string]*jobResources{},
	}
	coord.Terminal = c.onTerminal
	return c
}

// Submit validates desc, enforces the principal's concurrency cap, binds
// the principal's decrypted model credential into a job-scoped
// stages.Deps, writes the Job row, issues an upload grant, and dispatches
// the DAG. The DAG does not start doing real work until the caller actually
// uploads to the returned grant and the job's status moves off queued.
func (c *Controller) Submit(ctx context.Context, principal string, desc MediaDescriptor, cfg store.ProcessingConfig) (SubmitResult, error) {
	if err := validateDescriptor(desc, c.Config); err != nil {
		return SubmitResult{}, err
	}

	if !c.tryAcquireSlot(principal) {
		return SubmitResult{}, fmt.Errorf("%w: principal %q already has %d job(s) running", ErrQuotaExceeded, principal, c.Config.ConcurrentJobsPerPrincipal)
	}

	apiKey, err := c.decryptCredential(ctx, principal)
	if err != nil {
		c.releaseSlot(principal)
		return SubmitResult{}, err
	}

	jobID := uuid.NewString()
	ext := contentTypeExtension(desc.ContentType)
	blobKey := blob.ObjectKey(jobID, blob.PurposeOriginal, jobID, ext)

	grant, err := c.Blob.IssueUploadGrant(blobKey, desc.ContentType)
	if err != nil {
		zeroBytes(apiKey)
		c.releaseSlot(principal)
		return SubmitResult{}, err
	}

	j := store.Job{
		JobID:            jobID,
		PrincipalID:      principal,
		Filename:         desc.Filename,
		FileSizeBytes:    desc.FileSizeBytes,
		ContentType:      desc.ContentType,
		Source:           store.SourceUpload,
		OriginalBlobKey:  blobKey,
		ProcessingConfig: cfg,
		Status:           store.JobQueued,
		CreatedAt:        config.Clock.GetTime(),
	}
	if err := c.Store.CreateJob(ctx, j); err != nil {
		zeroBytes(apiKey)
		c.releaseSlot(principal)
		return SubmitResult{}, err
	}

	deps, err := c.buildDeps(jobID, apiKey, cfg.IsVisionMode())
	if err != nil {
		zeroBytes(apiKey)
		c.releaseSlot(principal)
		return SubmitResult{}, err
	}

	c.mu.Lock()
	c.resources[jobID] = &jobResources{principal: principal, apiKey: apiKey, workDir: deps.WorkDir}
	c.mu.Unlock()

	c.Coordinator.Run(jobID, blobKey, cfg.IsVisionMode(), cfg.Resolution, deps)

	return SubmitResult{
		JobID:            jobID,
		UploadURL:        grant.URL,
		UploadFields:     grant.Fields,
		ExpiresInSeconds: int(blob.PresignDuration.Seconds()),
		BlobKey:          blobKey,
	}, nil
}

// Cancel signals jobID's run to stop, after checking principal actually
// owns the job. Canceling a job already in a terminal state is rejected
// with xerrors.AlreadyTerminal rather than silently succeeding.
func (c *Controller) Cancel(ctx context.Context, jobID, principal string) error {
	j, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.PrincipalID != principal {
		return xerrors.NewNotFoundError(fmt.Sprintf("no job %q for this principal", jobID), nil)
	}
	if j.Status.Terminal() {
		return xerrors.AlreadyTerminal
	}
	if !c.Coordinator.Cancel(jobID) {
		return xerrors.NewNotFoundError(fmt.Sprintf("no in-flight run for job %q", jobID), nil)
	}
	return nil
}

// onTerminal is wired as the Coordinator's Terminal callback. By the time
// this runs, the Coordinator has already persisted the terminal status and
// published the terminal Progress Bus record; this only releases this
// job's resources and fires the optional external notifier.
func (c *Controller) onTerminal(ctx context.Context, outcome pipeline.Outcome) {
	c.mu.Lock()
	res, ok := c.resources[outcome.JobID]
	if ok {
		delete(c.resources, outcome.JobID)
		if c.running[res.principal] > 0 {
			c.running[res.principal]--
		}
	}
	c.mu.Unlock()

	if ok {
		zeroBytes(res.apiKey)
		if res.workDir != "" {
			if err := os.RemoveAll(res.workDir); err != nil {
				log.LogError(outcome.JobID, "failed to remove job scratch directory", err, "dir", res.workDir)
			}
		}
	}

	if c.Notifier == nil {
		return
	}
	j, err := c.Store.GetJob(ctx, outcome.JobID)
	if err != nil {
		log.LogError(outcome.JobID, "failed to load job for terminal notification", err)
		return
	}
	if err := c.Notifier.Notify(ctx, j); err != nil {
		log.LogError(outcome.JobID, "terminal notifier failed", err)
	}
}

// decryptCredential fetches and decrypts principal's model API key,
// translating storage-layer absence into xerrors.MissingCredential and any
// unwrap failure into xerrors.InvalidCredential.
func (c *Controller) decryptCredential(ctx context.Context, principal string) ([]byte, error) {
	encBlob, err := c.Store.GetPrincipalCredential(ctx, principal)
	if err != nil {
		return nil, err
	}
	if encBlob == nil {
		return nil, xerrors.MissingCredential
	}
	apiKey, err := crypto.DecryptCredential(encBlob, c.PrivateKey)
	if err != nil {
		log.LogError(principal, "failed to decrypt principal credential", err)
		return nil, xerrors.InvalidCredential
	}
	return apiKey, nil
}

// buildDeps constructs the per-job stages.Deps: Speech/Vision/Lang clients
// bound to this job's decrypted credential, sharing every other
// process-wide dependency, plus a fresh scratch directory for this job's
// temp files.
func (c *Controller) buildDeps(jobID string, apiKey []byte, visionMode bool) (*stages.Deps, error) {
	workDir, err := os.MkdirTemp("", "job-"+jobID+"-")
	if err != nil {
		return nil, xerrors.Unretriable(fmt.Errorf("failed to create scratch directory for job %q: %w", jobID, err))
	}

	key := string(apiKey)
	deps := &stages.Deps{
		Store:   c.Store,
		Blob:    c.Blob,
		Media:   c.Media,
		Speech:  modelgateway.NewSpeechClient(c.Config.SpeechEndpoint, key),
		Bus:     c.Bus,
		WorkDir: workDir,
	}
	if visionMode {
		deps.Vision = modelgateway.NewVisionClient(c.Config.VisionEndpoint, key)
	}
	lang, err := modelgateway.NewLanguageClient(c.Config.LanguageEndpoint, c.Config.LanguageModel, key)
	if err != nil {
		os.RemoveAll(workDir)
		return nil, xerrors.Unretriable(fmt.Errorf("failed to construct language client for job %q: %w", jobID, err))
	}
	deps.Lang = lang

	return deps, nil
}

func (c *Controller) tryAcquireSlot(principal string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[principal] >= c.Config.ConcurrentJobsPerPrincipal {
		return false
	}
	c.running[principal]++
	return true
}

func (c *Controller) releaseSlot(principal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[principal] > 0 {
		c.running[principal]--
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func validateDescriptor(d MediaDescriptor, cfg config.Config) error {
	if len(d.Filename) == 0 || len(d.Filename) > 255 {
		return fmt.Errorf("%w: filename must be 1-255 characters", ErrInvalidDescriptor)
	}
	if strings.ContainsAny(d.Filename, `/\`) {
		return fmt.Errorf("%w: filename must not contain path separators", ErrInvalidDescriptor)
	}
	if d.FileSizeBytes <= 0 || d.FileSizeBytes > cfg.MaxUploadSizeBytes {
		return fmt.Errorf("%w: file_size_bytes out of range", ErrInvalidDescriptor)
	}
	if !allowedContentType(d.ContentType, cfg.AllowedContentTypes) {
		return fmt.Errorf("%w: content_type %q not allowed", ErrInvalidDescriptor, d.ContentType)
	}
	return nil
}

func allowedContentType(ct string, allowed []string) bool {
	for _, a := range allowed {
		if a == ct {
			return true
		}
	}
	return false
}

// contentTypeExtension maps an allowed content type to the file extension
// ObjectKey embeds in the blob key, falling back to the MIME subtype for
// anything not in the default allow list.
func contentTypeExtension(ct string) string {
	switch ct {
	case "video/mp4":
		return "mp4"
	case "video/quicktime":
		return "mov"
	case "video/webm":
		return "webm"
	case "video/x-matroska":
		return "mkv"
	default:
		if i := strings.LastIndex(ct, "/"); i >= 0 {
			return ct[i+1:]
		}
		return "bin"
	}
}
