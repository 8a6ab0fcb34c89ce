package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/xeipuuv/gojsonschema"

	xerrors "github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/job"
	"github.com/highlight-pipeline/orchestrator/middleware"
	"github.com/highlight-pipeline/orchestrator/store"
)

// HasContentType reports whether req carries mimetype.
func HasContentType(req *http.Request, mimetype string) bool {
	contentType := req.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}
	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}
	return false
}

// submitJobRequest is the job submission request body.
type submitJobRequest struct {
	Filename         string                 `json:"filename"`
	FileSize         int64                  `json:"file_size"`
	ContentType      string                 `json:"content_type"`
	ProcessingConfig store.ProcessingConfig `json:"processing_config"`
}

type submitJobResponse struct {
	JobID            string            `json:"job_id"`
	UploadURL        string            `json:"upload_url"`
	UploadFields     map[string]string `json:"upload_fields"`
	ExpiresInSeconds int               `json:"expires_in_seconds"`
	BlobKey          string            `json:"blob_key"`
}

// SubmitJob is the job-submission verb: 201 on success, 400 on
// an invalid descriptor, 401 unauthenticated, 403 on a missing/invalid
// model credential, 429 on quota exhaustion, 5xx on anything transient.
func (c *Collection) SubmitJob() httprouter.Handle {
	schema := inputSchemasCompiled["SubmitJob"]

	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		principal, ok := middleware.PrincipalFromContext(req.Context())
		if !ok {
			xerrors.WriteHTTPUnauthorized(w, "missing principal", nil)
			return
		}

		if !HasContentType(req, "application/json") {
			xerrors.WriteHTTPUnsupportedMediaType(w, "Requires application/json content type", nil)
			return
		}
		payload, err := io.ReadAll(req.Body)
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
			return
		}
		result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Cannot validate payload", err)
			return
		}
		if !result.Valid() {
			xerrors.WriteHTTPBadBodySchema("SubmitJob", w, result.Errors())
			return
		}

		var body submitJobRequest
		if err := json.Unmarshal(payload, &body); err != nil {
			xerrors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		}

		desc := job.MediaDescriptor{
			Filename:      body.Filename,
			FileSizeBytes: body.FileSize,
			ContentType:   body.ContentType,
		}

		res, err := c.Jobs.Submit(req.Context(), principal, desc, body.ProcessingConfig)
		if err != nil {
			writeSubmitError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(submitJobResponse{
			JobID:            res.JobID,
			UploadURL:        res.UploadURL,
			UploadFields:     res.UploadFields,
			ExpiresInSeconds: res.ExpiresInSeconds,
			BlobKey:          res.BlobKey,
		})
	}
}

func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrInvalidDescriptor):
		xerrors.WriteHTTPBadRequest(w, "invalid media descriptor", err)
	case errors.Is(err, xerrors.MissingCredential), errors.Is(err, xerrors.InvalidCredential):
		xerrors.WriteHTTPForbidden(w, "no usable model credential bound to this principal", err)
	case errors.Is(err, job.ErrQuotaExceeded):
		xerrors.WriteHTTPTooManyRequests(w, "concurrent job quota exceeded", err)
	default:
		xerrors.WriteHTTPInternalServerError(w, "failed to submit job", err)
	}
}

type jobStatusResponse struct {
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"`
	CurrentStage    string  `json:"current_stage"`
	ProgressPercent float64 `json:"progress_percent"`
	ProgressMessage string  `json:"progress_message"`
	Error           string  `json:"error,omitempty"`
}

// JobStatus returns the current Job row for :job_id, scoped to the
// authenticated principal.
func (c *Collection) JobStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		principal, ok := middleware.PrincipalFromContext(req.Context())
		if !ok {
			xerrors.WriteHTTPUnauthorized(w, "missing principal", nil)
			return
		}

		j, err := c.ownedJob(req, ps.ByName("job_id"), principal)
		if err != nil {
			writeLookupError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jobStatusResponse{
			JobID:           j.JobID,
			Status:          string(j.Status),
			CurrentStage:    j.CurrentStage,
			ProgressPercent: j.ProgressPercent,
			ProgressMessage: j.ProgressMessage,
			Error:           j.Error,
		})
	}
}

// CancelJob signals :job_id's run to stop.
func (c *Collection) CancelJob() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		principal, ok := middleware.PrincipalFromContext(req.Context())
		if !ok {
			xerrors.WriteHTTPUnauthorized(w, "missing principal", nil)
			return
		}

		if err := c.Jobs.Cancel(req.Context(), ps.ByName("job_id"), principal); err != nil {
			writeLookupError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

type clipResponse struct {
	ClipID       string  `json:"clip_id"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Title        string  `json:"title"`
	DownloadURL  string  `json:"download_url,omitempty"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	SubtitleURL  string  `json:"subtitle_url,omitempty"`
}

type resultsResponse struct {
	JobID   string         `json:"job_id"`
	Status  string         `json:"status"`
	Clips   []clipResponse `json:"clips"`
	Summary *store.Summary `json:"summary,omitempty"`
}

// Results returns the clips (with signed download URLs) and the summary
// produced for :job_id; quiz questions are not part of the response.
// Available regardless of terminal status,
// since CompileClips may have already written partial output.
func (c *Collection) Results() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		principal, ok := middleware.PrincipalFromContext(req.Context())
		if !ok {
			xerrors.WriteHTTPUnauthorized(w, "missing principal", nil)
			return
		}

		j, err := c.ownedJob(req, ps.ByName("job_id"), principal)
		if err != nil {
			writeLookupError(w, err)
			return
		}

		clips, err := c.Store.GetClips(req.Context(), j.JobID)
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "failed to load clips", err)
			return
		}
		summary, err := c.Store.GetSummary(req.Context(), j.JobID)
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "failed to load summary", err)
			return
		}

		out := make([]clipResponse, 0, len(clips))
		for _, clip := range clips {
			cr := clipResponse{ClipID: clip.ClipID, Start: clip.Start, End: clip.End, Title: clip.Title}
			if clip.BlobKey != "" {
				if url, err := c.Blob.SignedDownloadURL(clip.BlobKey); err == nil {
					cr.DownloadURL = url
				}
			}
			if clip.ThumbnailKey != "" {
				if url, err := c.Blob.SignedDownloadURL(clip.ThumbnailKey); err == nil {
					cr.ThumbnailURL = url
				}
			}
			if clip.SubtitleKey != "" {
				if url, err := c.Blob.SignedDownloadURL(clip.SubtitleKey); err == nil {
					cr.SubtitleURL = url
				}
			}
			out = append(out, cr)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resultsResponse{
			JobID:   j.JobID,
			Status:  string(j.Status),
			Clips:   out,
			Summary: summary,
		})
	}
}

// ownedJob loads jobID and checks principal owns it, collapsing both "no
// such job" and "wrong owner" into the same not-found response so a probing
// caller can't distinguish the two.
func (c *Collection) ownedJob(req *http.Request, jobID, principal string) (store.Job, error) {
	j, err := c.Store.GetJob(req.Context(), jobID)
	if err != nil {
		return store.Job{}, err
	}
	if j.PrincipalID != principal {
		return store.Job{}, xerrors.NewNotFoundError(fmt.Sprintf("no job %q for this principal", jobID), nil)
	}
	return j, nil
}

func writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case xerrors.IsNotFound(err):
		xerrors.WriteHTTPNotFound(w, "job not found", err)
	case errors.Is(err, xerrors.AlreadyTerminal):
		xerrors.WriteHTTPBadRequest(w, "job already in a terminal state", err)
	default:
		xerrors.WriteHTTPInternalServerError(w, "failed to process request", err)
	}
}
