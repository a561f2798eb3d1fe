package bulk

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/NamanBalaji/ds3bulk/internal/allocator"
	"github.com/NamanBalaji/ds3bulk/internal/errors"
	"github.com/NamanBalaji/ds3bulk/internal/logger"
	"github.com/NamanBalaji/ds3bulk/internal/status"
	"github.com/NamanBalaji/ds3bulk/internal/tracker"
	"github.com/NamanBalaji/ds3bulk/internal/transfer"
	"github.com/NamanBalaji/ds3bulk/pkg/ds3"
)

// Listener types accepted by a job.
type (
	ObjectCompletedListener = tracker.ObjectCompletedListener
	DataTransferredListener = tracker.DataTransferredListener
	JobCompletedListener    = tracker.JobCompletedListener
	ListenerID              = tracker.ListenerID
)

// ObjectEntry describes one object of a job.
type ObjectEntry struct {
	Name           string
	Size           int64
	CompletedBytes int64
}

// Job is the state shared by write and read jobs.
type Job struct {
	id        uuid.UUID
	bucket    string
	direction ds3.RequestType
	client    ds3.Client
	trackers  *tracker.JobPartTrackerDecorator
	alloc     *allocator.Allocator
	limiter   *rate.Limiter
	opts      options
	objects   []ds3.Object

	status atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newJob(client ds3.Client, direction ds3.RequestType, id uuid.UUID, bucket string, objects []ds3.Object, entries []tracker.ObjectEntry, opts options) (*Job, error) {
	internal, err := tracker.NewJobPartTracker(entries)
	if err != nil {
		return nil, err
	}

	external, err := tracker.NewJobPartTracker(entries)
	if err != nil {
		return nil, err
	}

	j := &Job{
		id:        id,
		bucket:    bucket,
		direction: direction,
		client:    client,
		trackers:  tracker.NewJobPartTrackerDecorator(internal, external),
		limiter:   transfer.NewLimiter(opts.bandwidthLimit),
		opts:      opts,
		objects:   objects,
	}

	j.alloc = allocator.New(client, id,
		allocator.WithMaxRetries(opts.maxBlockAllocationRetries),
		allocator.WithRetryAfter(opts.retryAfter),
		allocator.WithClock(opts.clock),
		allocator.WithMetrics(opts.metrics),
	)

	if opts.store != nil {
		internal.AttachObjectCompletedListener(func(name string) {
			if err := opts.store.MarkObjectCompleted(id, name); err != nil {
				logger.Warnf("Job %s: failed to record completion of %s: %v", id, name, err)
			}
		})
	}

	return j, nil
}

// entriesFromManifest declares every object of a job together with the
// parts the manifest already names for it.
func entriesFromManifest(objects []ds3.Object, chunks []ds3.Chunk) []tracker.ObjectEntry {
	parts := lo.GroupBy(lo.FlatMap(chunks, func(c ds3.Chunk, _ int) []ds3.Part {
		return c.Parts
	}), func(p ds3.Part) string {
		return p.Object
	})

	return lo.Map(objects, func(o ds3.Object, _ int) tracker.ObjectEntry {
		return tracker.ObjectEntry{
			Name: o.Name,
			Size: o.Size,
			Parts: lo.Map(parts[o.Name], func(p ds3.Part, _ int) tracker.PartSpec {
				return tracker.PartSpec{Number: p.Number, Length: p.Length}
			}),
		}
	})
}

// JobID returns the backend job id.
func (j *Job) JobID() uuid.UUID {
	return j.id
}

// BucketName returns the bucket the job transfers to or from.
func (j *Job) BucketName() string {
	return j.bucket
}

// RequestType returns the direction of the job.
func (j *Job) RequestType() ds3.RequestType {
	return j.direction
}

// Status returns the lifecycle status of the job.
func (j *Job) Status() status.Status {
	return j.status.Load()
}

// Truncated reports whether the backend said no further chunks will arrive.
func (j *Job) Truncated() bool {
	return j.alloc.Truncated()
}

// Objects returns the objects of the job sorted by name, with the bytes
// completed so far.
func (j *Job) Objects() []ObjectEntry {
	out := lo.FilterMap(j.objects, func(o ds3.Object, _ int) (ObjectEntry, bool) {
		t, err := j.trackers.Client().TrackerFor(o.Name)
		if err != nil {
			return ObjectEntry{}, false
		}

		return ObjectEntry{Name: o.Name, Size: o.Size, CompletedBytes: t.CompletedBytes()}, true
	})

	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })

	return out
}

// AttachObjectCompletedListener registers fn to be called once per object
// when all of its parts completed. It may be called while a transfer runs.
func (j *Job) AttachObjectCompletedListener(fn ObjectCompletedListener) ListenerID {
	return j.trackers.Client().AttachObjectCompletedListener(fn)
}

// AttachDataTransferredListener registers fn to be called with the size of
// every completed part.
func (j *Job) AttachDataTransferredListener(fn DataTransferredListener) ListenerID {
	return j.trackers.Client().AttachDataTransferredListener(fn)
}

// AttachJobCompletedListener registers fn to be called once, after the last
// object completed.
func (j *Job) AttachJobCompletedListener(fn JobCompletedListener) ListenerID {
	return j.trackers.Client().AttachJobCompletedListener(fn)
}

// RemoveListener removes a listener registered on the job.
func (j *Job) RemoveListener(id ListenerID) bool {
	return j.trackers.Client().RemoveListener(id)
}

// Cancel stops a running transfer from allocating and dispatching further
// parts. Parts already in flight finish. A job that never started is
// closed.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel != nil {
		j.cancel()
		return
	}

	if j.status.CompareAndSwap(status.Pending, status.Cancelled) {
		j.finished(status.Cancelled)
	}
}

// run drives the job through move. closeAll releases the data channels
// once the executor returned.
func (j *Job) run(ctx context.Context, move transfer.Func, closeAll func()) error {
	defer closeAll()

	j.mu.Lock()
	switch s := j.status.Load(); {
	case s == status.Active:
		j.mu.Unlock()
		return errors.ErrAlreadyStarted
	case s == status.Completed:
		j.mu.Unlock()
		return nil
	case status.IsTerminal(s):
		j.mu.Unlock()
		return errors.ErrJobClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.status.Store(status.Active)
	j.mu.Unlock()

	defer cancel()

	if j.opts.store != nil {
		if err := j.opts.store.SetStatus(j.id, status.Active); err != nil {
			logger.Debugf("Job %s: status not recorded: %v", j.id, err)
		}
	}

	logger.Infof("Job %s: starting %s transfer of %d objects in %s", j.id, j.direction, len(j.objects), j.bucket)

	err := transfer.New(j.id, j.trackers, j.alloc, move,
		transfer.WithWorkers(j.opts.workers),
		transfer.WithMaxAttempts(j.opts.maxObjectTransferAttempts),
		transfer.WithRetryDelay(j.opts.retryDelay),
		transfer.WithClock(j.opts.clock),
		transfer.WithMetrics(j.opts.metrics),
		transfer.WithDirection(string(j.direction)),
	).Run(ctx)

	final := status.Completed
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		final = status.Cancelled
	default:
		final = status.Failed
	}

	j.mu.Lock()
	j.cancel = nil
	j.status.Store(final)
	j.finished(final)
	j.mu.Unlock()

	if err != nil {
		logger.Errorf("Job %s: transfer ended %s: %v", j.id, status.String(final), err)
	} else {
		logger.Infof("Job %s: transfer completed", j.id)
	}

	return err
}

func (j *Job) finished(s status.Status) {
	j.opts.metrics.JobFinished(status.String(s))

	if j.opts.store == nil {
		return
	}

	if err := j.opts.store.SetStatus(j.id, s); err != nil {
		logger.Warnf("Job %s: failed to record status %s: %v", j.id, status.String(s), err)
	}
}
