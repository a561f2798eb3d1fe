package bulk

import "github.com/NamanBalaji/ds3bulk/internal/errors"

// Errors returned by jobs. Use errors.As with the pointer types.
type (
	ManifestError                 = errors.ManifestError
	ChunkAllocationExhaustedError = errors.ChunkAllocationExhaustedError
	PartTransferFailedError       = errors.PartTransferFailedError
	BulkJobCreationError          = errors.BulkJobCreationError
	TransferFailedError           = errors.TransferFailedError
	TransferError                 = errors.TransferError
)

var (
	ErrDuplicatePart     = errors.ErrDuplicatePart
	ErrUnknownObject     = errors.ErrUnknownObject
	ErrUnknownPart       = errors.ErrUnknownPart
	ErrTrackerTerminated = errors.ErrTrackerTerminated
	ErrJobIncomplete     = errors.ErrJobIncomplete
	ErrAlreadyStarted    = errors.ErrAlreadyStarted
	ErrJobClosed         = errors.ErrJobClosed
	ErrDirectionMismatch = errors.ErrDirectionMismatch
)
