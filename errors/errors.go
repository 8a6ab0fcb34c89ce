package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/xeipuuv/gojsonschema"
)

type APIError struct {
	Msg    string `json:"message"`
	Status int    `json:"status"`
	Err    error  `json:"-"`
}

func writeHttpError(w http.ResponseWriter, msg string, status int, err error) APIError {
	w.WriteHeader(status)

	var errorDetail string
	if err != nil {
		errorDetail = err.Error()
	}

	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg, "error_detail": errorDetail}); err != nil {
		log.LogNoRequestID("error writing HTTP error", "http_error_msg", msg, "error", err)
	}
	return APIError{msg, status, err}
}

// HTTP Errors
func WriteHTTPUnauthorized(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusUnauthorized, err)
}

func WriteHTTPForbidden(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusForbidden, err)
}

func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusBadRequest, err)
}

func WriteHTTPUnsupportedMediaType(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusUnsupportedMediaType, err)
}

func WriteHTTPNotFound(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusNotFound, err)
}

func WriteHTTPTooManyRequests(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusTooManyRequests, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusInternalServerError, err)
}

func WriteHTTPBadBodySchema(where string, w http.ResponseWriter, errors []gojsonschema.ResultError) APIError {
	sb := strings.Builder{}
	sb.WriteString("Body validation error in ")
	sb.WriteString(where)
	sb.WriteString(" ")
	for i := 0; i < len(errors); i++ {
		sb.WriteString(errors[i].String())
		sb.WriteString(" ")
	}
	return writeHttpError(w, sb.String(), http.StatusBadRequest, nil)
}

// UnretriableError marks an error that a retry loop must not retry. It does
// not wrap a backoff.PermanentError, so a retry loop checks IsUnretriable
// itself to stop early.
type UnretriableError struct{ error }

func Unretriable(err error) error {
	return UnretriableError{err}
}

func (e UnretriableError) Unwrap() error {
	return e.error
}

// IsUnretriable reports whether err is, or wraps, an UnretriableError.
func IsUnretriable(err error) bool {
	return errors.As(err, &UnretriableError{})
}

// DegradableError marks a stage failure the DAG executor must absorb as a
// warning rather than a job failure; the stage is expected to have already
// written its safe-default output before returning this.
type DegradableError struct{ error }

func Degradable(err error) error {
	return DegradableError{err}
}

func (e DegradableError) Unwrap() error {
	return e.error
}

func IsDegradable(err error) bool {
	return errors.As(err, &DegradableError{})
}

// TransientBackendError signals the caller should retry per stage policy.
type TransientBackendError struct{ error }

func TransientBackend(err error) error {
	return TransientBackendError{err}
}

func (e TransientBackendError) Unwrap() error {
	return e.error
}

func IsTransientBackend(err error) bool {
	return errors.As(err, &TransientBackendError{})
}

type NotFoundError struct {
	msg   string
	cause error
}

func (e NotFoundError) Error() string {
	return e.msg
}

func (e NotFoundError) Unwrap() error {
	return e.cause
}

func NewNotFoundError(msg string, cause error) error {
	if cause != nil {
		msg = fmt.Sprintf("NotFoundError: %s: %s", msg, cause)
	} else {
		msg = fmt.Sprintf("NotFoundError: %s", msg)
	}
	// every not found is unretriable
	return Unretriable(NotFoundError{msg: msg, cause: cause})
}

// IsNotFound checks if the error is a NotFoundError.
func IsNotFound(err error) bool {
	return errors.As(err, &NotFoundError{})
}

// InvariantViolationError is returned by the Artifact Store when a write
// would violate one of the data-model invariants (e.g. overlapping
// ContentSegments). Always fatal to the owning stage.
type InvariantViolationError struct {
	msg   string
	cause error
}

func (e InvariantViolationError) Error() string {
	return e.msg
}

func (e InvariantViolationError) Unwrap() error {
	return e.cause
}

func NewInvariantViolationError(msg string, cause error) error {
	return Unretriable(InvariantViolationError{msg: fmt.Sprintf("InvariantViolation: %s", msg), cause: cause})
}

func IsInvariantViolation(err error) bool {
	return errors.As(err, &InvariantViolationError{})
}

// ObjectNotFoundError is kept for blob-gateway lookups specifically, distinct
// from the Artifact Store's NotFoundError.
type ObjectNotFoundError struct {
	msg   string
	cause error
}

func (e ObjectNotFoundError) Error() string {
	return e.msg
}

func (e ObjectNotFoundError) Unwrap() error {
	return e.cause
}

func NewObjectNotFoundError(msg string, cause error) error {
	if cause != nil {
		msg = fmt.Sprintf("ObjectNotFoundError: %s: %s", msg, cause)
	} else {
		msg = fmt.Sprintf("ObjectNotFoundError: %s", msg)
	}
	return Unretriable(ObjectNotFoundError{msg: msg, cause: cause})
}

func IsObjectNotFound(err error) bool {
	return errors.As(err, &ObjectNotFoundError{})
}

var (
	UnauthorisedError = errors.New("UnauthorisedError")
	InvalidJWT        = errors.New("InvalidJWTError")

	// MissingCredential: the principal has no model API key bound.
	MissingCredential = Unretriable(errors.New("MissingCredential"))
	// InvalidCredential: the provider rejected the bound model API key.
	InvalidCredential = Unretriable(errors.New("InvalidCredential"))
	// NoAudioTrack: SilenceDetect's input media has no audio stream, fatal.
	NoAudioTrack = Unretriable(errors.New("NoAudioTrack"))
	// Canceled: terminal outcome when the Job Controller signals cancellation.
	Canceled = Unretriable(errors.New("Canceled"))
	// AlreadyTerminal: resubmitting/re-finishing a job already in a terminal state.
	AlreadyTerminal = Unretriable(errors.New("AlreadyTerminal"))
)

func IsCanceled(err error) bool {
	return errors.Is(err, Canceled)
}
