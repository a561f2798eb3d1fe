package allocator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/ds3bulk/internal/errors"
	"github.com/NamanBalaji/ds3bulk/internal/logger"
	"github.com/NamanBalaji/ds3bulk/internal/metrics"
	"github.com/NamanBalaji/ds3bulk/pkg/ds3"
)

const (
	DefaultMaxRetries = 5
	DefaultRetryAfter = 5 * time.Second
)

// State is the position of the allocation loop.
type State int32

const (
	// Allocating means an allocation call is about to be issued or in flight.
	Allocating State = iota
	// Retrying means the backend answered not-ready and the loop is waiting.
	Retrying
	// Draining means chunks were handed out and are being transferred.
	Draining
	// Truncated means the backend will never hand out further chunks.
	Truncated
	// Failed means the retry budget ran out or the backend call failed.
	Failed
)

func (s State) String() string {
	switch s {
	case Allocating:
		return "allocating"
	case Retrying:
		return "retrying"
	case Draining:
		return "draining"
	case Truncated:
		return "truncated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Source issues allocation calls for a job.
type Source interface {
	AllocateChunks(ctx context.Context, jobID uuid.UUID) (*ds3.Allocation, error)
}

// Clock suspends the allocation loop between not-ready answers.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock sleeps on real timers.
var SystemClock Clock = systemClock{}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type Option func(*Allocator)

// WithMaxRetries sets how many not-ready answers are waited out per round.
func WithMaxRetries(n int) Option {
	return func(a *Allocator) {
		if n >= 0 {
			a.maxRetries = n
		}
	}
}

// WithRetryAfter sets the delay used when the backend gives none.
func WithRetryAfter(d time.Duration) Option {
	return func(a *Allocator) {
		if d > 0 {
			a.retryAfter = d
		}
	}
}

func WithClock(c Clock) Option {
	return func(a *Allocator) {
		if c != nil {
			a.clock = c
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Allocator) {
		a.metrics = m
	}
}

// Allocator polls a Source for the chunks of one job. Next must not be
// called concurrently.
type Allocator struct {
	source     Source
	jobID      uuid.UUID
	maxRetries int
	retryAfter time.Duration
	clock      Clock
	metrics    *metrics.Metrics

	state State
	// stateView mirrors state for readers outside the coordinating goroutine.
	stateView atomic.Int32
	err       error
}

func New(source Source, jobID uuid.UUID, opts ...Option) *Allocator {
	a := &Allocator{
		source:     source,
		jobID:      jobID,
		maxRetries: DefaultMaxRetries,
		retryAfter: DefaultRetryAfter,
		clock:      SystemClock,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// State returns the current state of the loop.
func (a *Allocator) State() State {
	return State(a.stateView.Load())
}

// Truncated reports whether the backend signalled that no further chunks
// will arrive.
func (a *Allocator) Truncated() bool {
	return a.State() == Truncated
}

// Next returns the next non-empty batch of ready chunks. It returns no
// chunks and a nil error once the job is truncated. Not-ready answers are
// waited out for the backend's retry-after delay, at most maxRetries times
// in a row, after which a ChunkAllocationExhaustedError is returned.
func (a *Allocator) Next(ctx context.Context) ([]ds3.Chunk, error) {
	switch a.state {
	case Truncated:
		return nil, nil
	case Failed:
		return nil, a.err
	}

	retries := 0

	for {
		a.setState(Allocating)

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		alloc, err := a.source.AllocateChunks(ctx, a.jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, a.fail(fmt.Errorf("allocate chunks for job %s: %w", a.jobID, err))
		}

		if alloc == nil {
			return nil, a.fail(fmt.Errorf("job %s: empty allocation answer", a.jobID))
		}

		var delay time.Duration

		switch alloc.Status {
		case ds3.AllocationDone:
			logger.Debugf("Job %s truncated, no further chunks", a.jobID)
			a.setState(Truncated)

			return nil, nil

		case ds3.AllocationReady:
			if len(alloc.Chunks) > 0 {
				a.setState(Draining)
				a.metrics.AllocationRound()

				return alloc.Chunks, nil
			}
			// An empty ready answer is waited out like a not-ready one.
			delay = a.retryAfter

		case ds3.AllocationRetryLater:
			delay = alloc.RetryAfter
			if delay <= 0 {
				delay = a.retryAfter
			}

		default:
			return nil, a.fail(fmt.Errorf("job %s: unexpected allocation status %d", a.jobID, alloc.Status))
		}

		if retries >= a.maxRetries {
			logger.Errorf("Job %s: chunks not ready after %d retries", a.jobID, retries)
			return nil, a.fail(&errors.ChunkAllocationExhaustedError{JobID: a.jobID, Retries: retries})
		}

		retries++
		a.setState(Retrying)
		a.metrics.AllocationRetry()
		logger.Debugf("Job %s: chunks not ready, retry %d/%d in %s", a.jobID, retries, a.maxRetries, delay)

		if err := a.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (a *Allocator) setState(s State) {
	a.state = s
	a.stateView.Store(int32(s))
}

func (a *Allocator) fail(err error) error {
	a.err = err
	a.setState(Failed)

	return err
}
