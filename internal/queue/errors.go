package queue

import (
	"errors"

	"github.com/kiranshivaraju/jobqueue/internal/store"
)

var (
	// ErrNotFound means the referenced job ID is unknown.
	ErrNotFound = store.ErrNotFound
	// ErrInvalidState means the job's current status does not allow the
	// operation, including losing a race to another transition.
	ErrInvalidState = errors.New("invalid job state")
	// ErrNoWorkAvailable is the empty result of Claim. It is not a failure.
	ErrNoWorkAvailable = errors.New("no work available")
	// ErrStoreUnavailable wraps any failure of the underlying store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidRequest means the caller supplied malformed input.
	ErrInvalidRequest = errors.New("invalid request")
)
