// Package bulk moves large sets of objects to and from a tape-backed object
// store. A job is created on the backend, chunks of parts are allocated as
// the backend makes them ready, and every part is moved by a bounded pool of
// workers while per-object and per-job completion events are delivered to
// listeners.
package bulk

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/NamanBalaji/ds3bulk/internal/errors"
	"github.com/NamanBalaji/ds3bulk/internal/logger"
	"github.com/NamanBalaji/ds3bulk/internal/repository"
	"github.com/NamanBalaji/ds3bulk/internal/status"
	"github.com/NamanBalaji/ds3bulk/internal/tracker"
	"github.com/NamanBalaji/ds3bulk/pkg/ds3"
)

// listPageSize is the number of keys requested per listing call.
const listPageSize = 1000

// Helpers starts and recovers bulk jobs against one backend.
type Helpers struct {
	client ds3.Client
	opts   options
}

func NewHelpers(client ds3.Client, opts ...Option) *Helpers {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Helpers{client: client, opts: o}
}

// StartWriteJob creates a write job for objects in bucket.
func (h *Helpers) StartWriteJob(ctx context.Context, bucket string, objects []ds3.Object) (*WriteJob, error) {
	mol, err := h.client.BulkPut(ctx, bucket, objects)
	if err != nil {
		return nil, &errors.BulkJobCreationError{Bucket: bucket, Err: err}
	}

	job, err := h.newJob(ds3.RequestPut, mol)
	if err != nil {
		return nil, err
	}

	return &WriteJob{Job: job}, nil
}

// StartReadJob creates a read job for objects in bucket. Object sizes may
// be left zero; the backend supplies them.
func (h *Helpers) StartReadJob(ctx context.Context, bucket string, objects []ds3.Object) (*ReadJob, error) {
	mol, err := h.client.BulkGet(ctx, bucket, objects)
	if err != nil {
		return nil, &errors.BulkJobCreationError{Bucket: bucket, Err: err}
	}

	job, err := h.newJob(ds3.RequestGet, mol)
	if err != nil {
		return nil, err
	}

	return &ReadJob{Job: job}, nil
}

// StartReadAllJob creates a read job for every object in bucket.
func (h *Helpers) StartReadAllJob(ctx context.Context, bucket string) (*ReadJob, error) {
	contents, err := h.ListObjects(ctx, bucket, "", 0)
	if err != nil {
		return nil, &errors.BulkJobCreationError{Bucket: bucket, Err: err}
	}

	objects := lo.Map(contents, func(c ds3.Contents, _ int) ds3.Object {
		return ds3.Object{Name: c.Key, Size: c.Size}
	})

	return h.StartReadJob(ctx, bucket, objects)
}

// ListObjects lists the objects of bucket whose keys start with prefix. A
// maxKeys of zero or less lists them all.
func (h *Helpers) ListObjects(ctx context.Context, bucket, prefix string, maxKeys int) ([]ds3.Contents, error) {
	var (
		out    []ds3.Contents
		marker string
	)

	for {
		pageSize := listPageSize
		if maxKeys > 0 {
			pageSize = min(pageSize, maxKeys-len(out))
		}

		res, err := h.client.ListObjects(ctx, ds3.ListRequest{
			Bucket:  bucket,
			Prefix:  prefix,
			Marker:  marker,
			MaxKeys: pageSize,
		})
		if err != nil {
			return nil, err
		}

		out = append(out, res.Contents...)

		if !res.IsTruncated || (maxKeys > 0 && len(out) >= maxKeys) {
			break
		}

		marker = res.NextMarker
	}

	if maxKeys > 0 && len(out) > maxKeys {
		out = out[:maxKeys]
	}

	return out, nil
}

// RecoverWriteJob resumes a write job from the backend's view of it. Parts
// the backend already holds are not sent again.
func (h *Helpers) RecoverWriteJob(ctx context.Context, jobID uuid.UUID) (*WriteJob, error) {
	job, err := h.recover(ctx, jobID, ds3.RequestPut)
	if err != nil {
		return nil, err
	}

	return &WriteJob{Job: job}, nil
}

// RecoverReadJob resumes a read job. Parts the backend reports as read are
// not fetched again.
func (h *Helpers) RecoverReadJob(ctx context.Context, jobID uuid.UUID) (*ReadJob, error) {
	job, err := h.recover(ctx, jobID, ds3.RequestGet)
	if err != nil {
		return nil, err
	}

	return &ReadJob{Job: job}, nil
}

func (h *Helpers) newJob(direction ds3.RequestType, mol *ds3.MasterObjectList) (*Job, error) {
	job, err := newJob(h.client, direction, mol.JobID, mol.Bucket, mol.Objects, entriesFromManifest(mol.Objects, mol.Chunks), h.opts)
	if err != nil {
		return nil, err
	}

	h.save(&repository.JobRecord{
		ID:          mol.JobID,
		Bucket:      mol.Bucket,
		RequestType: direction,
		Objects:     mol.Objects,
		Status:      status.Pending,
	})

	logger.Infof("Created %s job %s on %s with %d objects", direction, mol.JobID, mol.Bucket, len(mol.Objects))

	return job, nil
}

func (h *Helpers) recover(ctx context.Context, jobID uuid.UUID, direction ds3.RequestType) (*Job, error) {
	st, err := h.client.GetJobStatus(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get status of job %s: %w", jobID, err)
	}

	if st.RequestType != direction {
		return nil, fmt.Errorf("%w: job %s is a %s job", errors.ErrDirectionMismatch, jobID, st.RequestType)
	}

	record := h.record(jobID)
	if record == nil {
		record = &repository.JobRecord{ID: jobID, Bucket: st.Bucket, RequestType: direction, Objects: st.Objects}
	}
	record.Status = status.Pending
	h.save(record)

	pending := lo.GroupBy(lo.FlatMap(st.Chunks, func(c ds3.Chunk, _ int) []ds3.Part {
		return c.Parts
	}), func(p ds3.Part) string {
		return p.Object
	})

	entries := lo.Map(st.Objects, func(o ds3.Object, _ int) tracker.ObjectEntry {
		parts := pending[o.Name]
		if len(parts) == 0 || record.IsObjectCompleted(o.Name) {
			return tracker.ObjectEntry{Name: o.Name, Size: o.Size, Transferred: o.Size, Done: true}
		}

		remaining := lo.SumBy(parts, func(p ds3.Part) int64 { return p.Length })

		return tracker.ObjectEntry{
			Name:        o.Name,
			Size:        o.Size,
			Transferred: max(o.Size-remaining, 0),
			Parts: lo.Map(parts, func(p ds3.Part, _ int) tracker.PartSpec {
				return tracker.PartSpec{Number: p.Number, Length: p.Length}
			}),
		}
	})

	logger.Infof("Recovering %s job %s on %s: %d of %d bytes done", direction, jobID, st.Bucket, st.CompletedSizeInBytes, st.OriginalSizeInBytes)

	return newJob(h.client, direction, jobID, st.Bucket, st.Objects, entries, h.opts)
}

func (h *Helpers) record(id uuid.UUID) *repository.JobRecord {
	if h.opts.store == nil {
		return nil
	}

	record, err := h.opts.store.Find(id)
	if err != nil {
		if !errors.Is(err, repository.ErrJobNotFound) {
			logger.Warnf("Job %s: failed to load record: %v", id, err)
		}
		return nil
	}

	return record
}

func (h *Helpers) save(record *repository.JobRecord) {
	if h.opts.store == nil {
		return
	}

	if err := h.opts.store.Save(record); err != nil {
		logger.Warnf("Job %s: failed to save record: %v", record.ID, err)
	}
}
