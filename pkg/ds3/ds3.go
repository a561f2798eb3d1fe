// Package ds3 describes the control-plane calls the bulk engine consumes
// from an object store and the manifest types exchanged with it.
package ds3

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// RequestType is the direction of a bulk job.
type RequestType string

const (
	RequestPut RequestType = "PUT"
	RequestGet RequestType = "GET"
)

// Object names one object of a bulk request. Size may be zero for reads.
type Object struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Part is one byte range of an object, addressed by a per-object part number.
type Part struct {
	Object string `json:"object"`
	Number int    `json:"number"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// Chunk groups parts the backend makes ready together.
type Chunk struct {
	ID     uuid.UUID `json:"id"`
	Number int       `json:"number"`
	Parts  []Part    `json:"parts"`
}

// MasterObjectList is returned by a bulk request.
type MasterObjectList struct {
	JobID       uuid.UUID   `json:"jobId"`
	Bucket      string      `json:"bucket"`
	RequestType RequestType `json:"requestType"`
	Objects     []Object    `json:"objects"`
	Chunks      []Chunk     `json:"chunks"`
}

// AllocationStatus is the outcome of asking for the next ready chunks.
type AllocationStatus int

const (
	// AllocationReady carries a non-empty set of chunks.
	AllocationReady AllocationStatus = iota
	// AllocationRetryLater means nothing is ready yet; ask again after RetryAfter.
	AllocationRetryLater
	// AllocationDone means no further chunks will ever arrive for the job.
	AllocationDone
)

func (s AllocationStatus) String() string {
	switch s {
	case AllocationReady:
		return "ready"
	case AllocationRetryLater:
		return "retry-later"
	case AllocationDone:
		return "done"
	default:
		return "unknown"
	}
}

// Allocation is the answer to an allocation call.
type Allocation struct {
	Status     AllocationStatus
	RetryAfter time.Duration
	Chunks     []Chunk
}

// JobStatus is the backend's view of a job, used to resume it.
type JobStatus struct {
	JobID                uuid.UUID   `json:"jobId"`
	Bucket               string      `json:"bucket"`
	RequestType          RequestType `json:"requestType"`
	Truncated            bool        `json:"truncated"`
	Completed            bool        `json:"completed"`
	OriginalSizeInBytes  int64       `json:"originalSizeInBytes"`
	CompletedSizeInBytes int64       `json:"completedSizeInBytes"`
	CachedSizeInBytes    int64       `json:"cachedSizeInBytes"`
	Objects              []Object    `json:"objects"`
	// Chunks still holding parts the backend has not seen transferred.
	Chunks []Chunk `json:"chunks"`
}

// Contents describes one stored object in a bucket listing.
type Contents struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ListBucketResult is one page of a bucket listing.
type ListBucketResult struct {
	Bucket      string
	Prefix      string
	Contents    []Contents
	IsTruncated bool
	NextMarker  string
}

// ListRequest selects one page of a bucket listing.
type ListRequest struct {
	Bucket  string
	Prefix  string
	Marker  string
	MaxKeys int
}

// Client is the subset of the object-store control plane used by the engine.
type Client interface {
	// BulkPut creates a write job for objects.
	BulkPut(ctx context.Context, bucket string, objects []Object) (*MasterObjectList, error)
	// BulkGet creates a read job for objects.
	BulkGet(ctx context.Context, bucket string, objects []Object) (*MasterObjectList, error)
	// AllocateChunks asks for the next chunks ready for transfer.
	AllocateChunks(ctx context.Context, jobID uuid.UUID) (*Allocation, error)
	// GetJobStatus returns the backend's view of a job.
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error)
	// PutPart uploads one part of an object within a job.
	PutPart(ctx context.Context, jobID uuid.UUID, bucket string, part Part, body io.Reader) error
	// GetPart downloads one part of an object within a job.
	GetPart(ctx context.Context, jobID uuid.UUID, bucket string, part Part) (io.ReadCloser, error)
	// ListObjects returns one page of a bucket listing.
	ListObjects(ctx context.Context, req ListRequest) (*ListBucketResult, error)
}
