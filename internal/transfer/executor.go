package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/NamanBalaji/ds3bulk/internal/allocator"
	"github.com/NamanBalaji/ds3bulk/internal/errors"
	"github.com/NamanBalaji/ds3bulk/internal/logger"
	"github.com/NamanBalaji/ds3bulk/internal/metrics"
	"github.com/NamanBalaji/ds3bulk/pkg/ds3"
)

const (
	DefaultWorkers     = 8
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// Tracker receives part registrations and completions.
type Tracker interface {
	RegisterPart(name string, number int, length int64) error
	CompletePart(name string, number int, size int64) error
	IsPartComplete(name string, number int) bool
	IsObjectComplete(name string) bool
	IsComplete() bool
	Names() []string
}

// Allocator hands out rounds of ready chunks.
type Allocator interface {
	Next(ctx context.Context) ([]ds3.Chunk, error)
	Truncated() bool
}

// Func moves one part and returns the number of bytes moved.
type Func func(ctx context.Context, part ds3.Part) (int64, error)

type Option func(*Executor)

func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithMaxAttempts sets the total number of attempts per part.
func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the base of the exponential backoff between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.retryDelay = d
		}
	}
}

func WithClock(c allocator.Clock) Option {
	return func(e *Executor) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithDirection labels the executor's metrics.
func WithDirection(direction string) Option {
	return func(e *Executor) {
		e.direction = direction
	}
}

// Executor drives the parts of allocated chunks through a Func on a bounded
// pool of workers.
type Executor struct {
	jobID       uuid.UUID
	tracker     Tracker
	alloc       Allocator
	move        Func
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	clock       allocator.Clock
	metrics     *metrics.Metrics
	direction   string

	mu       sync.Mutex
	failures map[string]*errors.PartTransferFailedError
	failed   []string
}

func New(jobID uuid.UUID, tracker Tracker, alloc Allocator, move Func, opts ...Option) *Executor {
	e := &Executor{
		jobID:       jobID,
		tracker:     tracker,
		alloc:       alloc,
		move:        move,
		workers:     DefaultWorkers,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		clock:       allocator.SystemClock,
		failures:    make(map[string]*errors.PartTransferFailedError),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run transfers rounds of chunks until the allocator reports the job
// truncated. A part that exhausts its attempts fails only its object; the
// other objects keep going and the failures are returned together as a
// *errors.TransferFailedError. Cancelling ctx stops new allocations and
// dispatches while parts already in flight run to completion.
func (e *Executor) Run(ctx context.Context) error {
	// Chunks offered since the last round that dispatched a part.
	idle := make(map[chunkKey]struct{})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunks, err := e.alloc.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		if len(chunks) == 0 {
			break
		}

		attempted, err := e.runRound(ctx, chunks)
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if attempted > 0 {
			clear(idle)
			continue
		}

		// The backend keeps offering chunks of failed objects, or of objects
		// already complete locally. Stop once nothing is left to move, or once
		// it cycled back to chunks it offered since the last useful round.
		if !e.hasOutstanding() {
			break
		}

		fresh := false
		for _, c := range chunks {
			key := chunkKey{id: c.ID, number: c.Number}
			if _, ok := idle[key]; !ok {
				idle[key] = struct{}{}
				fresh = true
			}
		}

		if !fresh {
			logger.Warnf("Job %s: backend offers no further transferable chunks", e.jobID)
			break
		}
	}

	if failures := e.Failures(); len(failures) > 0 {
		return &errors.TransferFailedError{JobID: e.jobID, Failures: failures}
	}

	if !e.tracker.IsComplete() {
		return errors.ErrJobIncomplete
	}

	return nil
}

type chunkKey struct {
	id     uuid.UUID
	number int
}

// hasOutstanding reports whether an object is neither complete nor failed.
func (e *Executor) hasOutstanding() bool {
	for _, name := range e.tracker.Names() {
		if !e.tracker.IsObjectComplete(name) && !e.objectFailed(name) {
			return true
		}
	}

	return false
}

// Failures returns the per-object failures recorded so far, in the order
// they happened.
func (e *Executor) Failures() []*errors.PartTransferFailedError {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*errors.PartTransferFailedError, 0, len(e.failed))
	for _, name := range e.failed {
		out = append(out, e.failures[name])
	}

	return out
}

func (e *Executor) runRound(ctx context.Context, chunks []ds3.Chunk) (int, error) {
	var pending []ds3.Part

	for _, chunk := range chunks {
		for _, part := range chunk.Parts {
			err := e.tracker.RegisterPart(part.Object, part.Number, part.Length)
			if err != nil && !errors.Is(err, errors.ErrTrackerTerminated) {
				logger.Errorf("Job %s: invalid part in chunk %d: %v", e.jobID, chunk.Number, err)
				return 0, err
			}

			if err != nil || e.tracker.IsPartComplete(part.Object, part.Number) || e.objectFailed(part.Object) {
				continue
			}

			pending = append(pending, part)
		}
	}

	logger.Debugf("Job %s: round of %d chunk(s), %d part(s) to transfer", e.jobID, len(chunks), len(pending))

	g, groupCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, e.workers)
	dispatched := 0

dispatch:
	for _, p := range pending {
		if groupCtx.Err() != nil {
			break
		}

		select {
		case <-groupCtx.Done():
			break dispatch
		case sem <- struct{}{}:
		}

		dispatched++
		part := p

		g.Go(func() error {
			defer func() { <-sem }()

			return e.transferWithRetries(groupCtx, part)
		})
	}

	return dispatched, g.Wait()
}

// transferWithRetries moves one part. Only errors that must stop the whole
// job are returned; a part that runs out of attempts is recorded as a
// failure of its object.
func (e *Executor) transferWithRetries(ctx context.Context, part ds3.Part) error {
	// A started attempt is never interrupted by cancellation.
	runCtx := context.WithoutCancel(ctx)

	var (
		lastErr error
		attempt int
	)

	for attempt = 1; attempt <= e.maxAttempts; attempt++ {
		if e.objectFailed(part.Object) {
			return nil
		}

		e.metrics.InFlight(1)
		n, err := e.move(runCtx, part)
		e.metrics.InFlight(-1)

		if err == nil {
			if err := e.tracker.CompletePart(part.Object, part.Number, n); err != nil {
				return err
			}

			e.metrics.PartDone(e.direction, n)

			return nil
		}

		lastErr = err
		if !errors.IsRetryable(err) || attempt == e.maxAttempts {
			break
		}

		e.metrics.PartRetried(e.direction)
		backoff := calculateBackoff(attempt-1, e.retryDelay)
		logger.Debugf("Retrying %s part %d in %s, attempt %d: %v", part.Object, part.Number, backoff, attempt+1, err)

		if err := e.clock.Sleep(ctx, backoff); err != nil {
			return nil
		}
	}

	logger.Errorf("Object %s part %d failed after %d attempt(s): %v", part.Object, part.Number, attempt, lastErr)
	e.metrics.PartFailed(e.direction)
	e.recordFailure(&errors.PartTransferFailedError{
		Object:   part.Object,
		Part:     part.Number,
		Attempts: attempt,
		Err:      lastErr,
	})

	return nil
}

func (e *Executor) recordFailure(f *errors.PartTransferFailedError) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.failures[f.Object]; ok {
		return
	}

	e.failures[f.Object] = f
	e.failed = append(e.failed, f.Object)
}

func (e *Executor) objectFailed(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.failures[name]

	return ok
}
