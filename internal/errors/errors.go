package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
)

type ErrorCategory string

const (
	CategoryNetwork  ErrorCategory = "NETWORK"  // Connection issues
	CategoryBackend  ErrorCategory = "BACKEND"  // Errors reported by the object store
	CategoryIO       ErrorCategory = "IO"       // Local stream or file issues
	CategoryManifest ErrorCategory = "MANIFEST" // Inconsistent chunk or part layout
	CategoryContext  ErrorCategory = "CONTEXT"  // Context cancellation
	CategoryUnknown  ErrorCategory = "UNKNOWN"  // Unclassified errors
)

// Manifest sentinels, always carried inside a *ManifestError.
var (
	ErrDuplicatePart     = New("part registered twice with different length")
	ErrUnknownObject     = New("object is not part of the job")
	ErrUnknownPart       = New("part is not registered for the object")
	ErrTrackerTerminated = New("object tracker already completed")
)

// Job lifecycle sentinels.
var (
	ErrJobIncomplete     = New("backend reported no further chunks but parts are still outstanding")
	ErrAlreadyStarted    = New("transfer already in progress")
	ErrJobClosed         = New("job is closed")
	ErrDirectionMismatch = New("job direction does not match")
)

// TransferError is a categorized error raised while moving part data.
type TransferError struct {
	Err        error         // Original error
	Category   ErrorCategory // General category
	Retryable  bool          // Whether retry is recommended
	Timestamp  time.Time     // When the error occurred
	Resource   string        // Object or job being accessed
	StatusCode int           // Backend status code, when known
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s (status: %d): %v", e.Category, e.Resource, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Resource, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a network-related error
func NewNetworkError(err error, resource string, retryable bool) *TransferError {
	return &TransferError{
		Err:       err,
		Category:  CategoryNetwork,
		Retryable: retryable,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewIOError creates an error for a failing local stream. Stream failures
// are usually transient so they are retried.
func NewIOError(err error, resource string) *TransferError {
	return &TransferError{
		Err:       err,
		Category:  CategoryIO,
		Retryable: true,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewBackendError classifies a status code returned by the object store.
func NewBackendError(err error, resource string, statusCode int) *TransferError {
	retryable := false

	switch {
	case statusCode >= 500 && statusCode != 501:
		retryable = true
	case statusCode == 429:
		retryable = true
	}

	return &TransferError{
		Err:        err,
		Category:   CategoryBackend,
		Retryable:  retryable,
		Timestamp:  time.Now(),
		Resource:   resource,
		StatusCode: statusCode,
	}
}

// IsRetryable reports whether a failed part transfer should be attempted again.
// Cancellation and manifest problems never are; unclassified errors are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if Is(err, context.Canceled) || Is(err, context.DeadlineExceeded) {
		return false
	}

	var manifestErr *ManifestError
	if As(err, &manifestErr) {
		return false
	}

	var transferErr *TransferError
	if As(err, &transferErr) {
		return transferErr.Retryable
	}

	return true
}

// ManifestError reports an inconsistent part registration. It is a protocol
// or programming bug and is never retried.
type ManifestError struct {
	Object string
	Part   int
	Err    error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest error: object %q part %d: %v", e.Object, e.Part, e.Err)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// NewManifestError wraps one of the manifest sentinels.
func NewManifestError(object string, part int, err error) *ManifestError {
	return &ManifestError{Object: object, Part: part, Err: err}
}

// ChunkAllocationExhaustedError is returned when the backend never made
// chunks ready within the allocation retry budget.
type ChunkAllocationExhaustedError struct {
	JobID   uuid.UUID
	Retries int
}

func (e *ChunkAllocationExhaustedError) Error() string {
	return fmt.Sprintf("job %s: no chunks became available after %d allocation retries", e.JobID, e.Retries)
}

// PartTransferFailedError is returned when one object's part could not be
// moved within the attempt budget.
type PartTransferFailedError struct {
	Object   string
	Part     int
	Attempts int
	Err      error
}

func (e *PartTransferFailedError) Error() string {
	return fmt.Sprintf("object %q part %d failed after %d attempts: %v", e.Object, e.Part, e.Attempts, e.Err)
}

func (e *PartTransferFailedError) Unwrap() error {
	return e.Err
}

// BulkJobCreationError is returned when the backend rejects a bulk request.
type BulkJobCreationError struct {
	Bucket string
	Err    error
}

func (e *BulkJobCreationError) Error() string {
	return fmt.Sprintf("failed to create bulk job on bucket %q: %v", e.Bucket, e.Err)
}

func (e *BulkJobCreationError) Unwrap() error {
	return e.Err
}

// TransferFailedError aggregates the per-object failures of one transfer call.
type TransferFailedError struct {
	JobID    uuid.UUID
	Failures []*PartTransferFailedError
}

func (e *TransferFailedError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Object)
	}

	return fmt.Sprintf("job %s: %d object(s) failed: %s", e.JobID, len(e.Failures), strings.Join(names, ", "))
}

func (e *TransferFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}

	return errs
}
