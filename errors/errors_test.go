package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

func TestIsObjectNotFound(t *testing.T) {
	err := NewObjectNotFoundError("foo", fmt.Errorf("bar"))
	require.True(t, IsObjectNotFound(err))
	require.True(t, IsUnretriable(err))
	var permErr *backoff.PermanentError
	require.False(t, errors.As(err, &permErr))
}

func TestUnretriable(t *testing.T) {
	err := Unretriable(fmt.Errorf("bar"))
	require.True(t, IsUnretriable(err))
	var permErr *backoff.PermanentError
	require.False(t, errors.As(err, &permErr))
}

func TestIsNotFound(t *testing.T) {
	err := NewNotFoundError("job abc123", nil)
	require.True(t, IsNotFound(err))
	require.True(t, IsUnretriable(err))
	require.False(t, IsObjectNotFound(err))
}

func TestIsInvariantViolation(t *testing.T) {
	err := NewInvariantViolationError("overlapping content segments", nil)
	require.True(t, IsInvariantViolation(err))
	require.True(t, IsUnretriable(err))
}

func TestIsDegradable(t *testing.T) {
	err := Degradable(fmt.Errorf("layout heuristic inconclusive"))
	require.True(t, IsDegradable(err))
	require.False(t, IsUnretriable(err))
}

func TestIsTransientBackend(t *testing.T) {
	err := TransientBackend(fmt.Errorf("connection reset"))
	require.True(t, IsTransientBackend(err))
	require.False(t, IsUnretriable(err))
}

func TestSentinelErrors(t *testing.T) {
	require.True(t, IsUnretriable(MissingCredential))
	require.True(t, IsUnretriable(NoAudioTrack))
	require.True(t, IsCanceled(Canceled))
	require.False(t, IsCanceled(MissingCredential))
}
