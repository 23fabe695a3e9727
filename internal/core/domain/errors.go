package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrVersionNotFound  = errors.New("version not found")
	ErrBlobNotFound     = errors.New("blob not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTemporary        = errors.New("temporary failure")
	ErrDocumentExists   = errors.New("document already exists")
	ErrOutputNotFound   = errors.New("stage output not found")

	// Stage-level failure kinds. All of them are retryable within the
	// orchestrator's attempt budget.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrExtraction         = errors.New("extraction failed")
	ErrClassification     = errors.New("classification failed")
	ErrIndexing           = errors.New("indexing failed")

	// Coordination signals. These are not faults of the caller.
	ErrSequenceConflict      = errors.New("sequence conflict")
	ErrLeaseExpired          = errors.New("lease expired")
	ErrLeaseHeld             = errors.New("lease held by another worker")
	ErrStageNotRunnable      = errors.New("stage not runnable")
	ErrCancellationRequested = errors.New("cancellation requested")
	ErrVersionTerminal       = errors.New("version already terminal")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsRetryable reports whether a stage failure may be retried within the
// attempt budget. Invalid input (unsupported formats, corrupt files) never
// becomes valid on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsKind(err, ErrInvalidInput) || IsKind(err, ErrBlobNotFound) {
		return false
	}
	return true
}
