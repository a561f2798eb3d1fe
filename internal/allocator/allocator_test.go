package allocator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bulkerrors "github.com/NamanBalaji/ds3bulk/internal/errors"
	"github.com/NamanBalaji/ds3bulk/pkg/ds3"
)

// scriptedSource answers allocation calls from a fixed script; the last
// answer repeats once the script is exhausted.
type scriptedSource struct {
	mu      sync.Mutex
	answers []*ds3.Allocation
	err     error
	calls   int
}

func (s *scriptedSource) AllocateChunks(context.Context, uuid.UUID) (*ds3.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.err != nil {
		return nil, s.err
	}

	i := min(s.calls-1, len(s.answers)-1)

	return s.answers[i], nil
}

type fakeClock struct {
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	return ctx.Err()
}

func notReady(d time.Duration) *ds3.Allocation {
	return &ds3.Allocation{Status: ds3.AllocationRetryLater, RetryAfter: d}
}

func ready(n int) *ds3.Allocation {
	chunks := make([]ds3.Chunk, n)
	for i := range chunks {
		chunks[i] = ds3.Chunk{ID: uuid.New(), Number: i}
	}

	return &ds3.Allocation{Status: ds3.AllocationReady, Chunks: chunks}
}

var done = &ds3.Allocation{Status: ds3.AllocationDone}

func TestAllocator_ReadyOnFirstCall(t *testing.T) {
	src := &scriptedSource{answers: []*ds3.Allocation{ready(2)}}
	clock := &fakeClock{}
	a := New(src, uuid.New(), WithClock(clock), WithMaxRetries(3))

	chunks, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
	assert.Equal(t, 1, src.calls)
	assert.Empty(t, clock.sleeps, "no retries when the first call is ready")
	assert.Equal(t, Draining, a.State())
}

func TestAllocator_RetriesExactlyMaxTimes(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
	}{
		{name: "zero", maxRetries: 0},
		{name: "one", maxRetries: 1},
		{name: "five", maxRetries: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &scriptedSource{answers: []*ds3.Allocation{notReady(time.Second)}}
			clock := &fakeClock{}
			jobID := uuid.New()
			a := New(src, jobID, WithClock(clock), WithMaxRetries(tt.maxRetries))

			chunks, err := a.Next(context.Background())
			require.Error(t, err)
			assert.Nil(t, chunks)

			var exhausted *bulkerrors.ChunkAllocationExhaustedError
			require.ErrorAs(t, err, &exhausted)
			assert.Equal(t, jobID, exhausted.JobID)
			assert.Equal(t, tt.maxRetries, exhausted.Retries)

			assert.Equal(t, tt.maxRetries+1, src.calls)
			assert.Len(t, clock.sleeps, tt.maxRetries)
			assert.Equal(t, Failed, a.State())

			// A failed allocator does not call the backend again.
			_, err = a.Next(context.Background())
			assert.ErrorAs(t, err, &exhausted)
			assert.Equal(t, tt.maxRetries+1, src.calls)
		})
	}
}

func TestAllocator_UsesBackendRetryAfter(t *testing.T) {
	src := &scriptedSource{answers: []*ds3.Allocation{
		notReady(3 * time.Second),
		notReady(0),
		ready(1),
	}}
	clock := &fakeClock{}
	a := New(src, uuid.New(), WithClock(clock), WithRetryAfter(7*time.Second))

	chunks, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	assert.Equal(t, []time.Duration{3 * time.Second, 7 * time.Second}, clock.sleeps)
}

func TestAllocator_BudgetResetsEachRound(t *testing.T) {
	src := &scriptedSource{answers: []*ds3.Allocation{
		notReady(time.Second),
		notReady(time.Second),
		ready(1),
		notReady(time.Second),
		notReady(time.Second),
		ready(1),
		done,
	}}
	clock := &fakeClock{}
	a := New(src, uuid.New(), WithClock(clock), WithMaxRetries(2))

	for range 2 {
		chunks, err := a.Next(context.Background())
		require.NoError(t, err)
		require.Len(t, chunks, 1)
	}

	chunks, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.True(t, a.Truncated())
	assert.Len(t, clock.sleeps, 4)
}

func TestAllocator_Truncated(t *testing.T) {
	src := &scriptedSource{answers: []*ds3.Allocation{done}}
	a := New(src, uuid.New(), WithClock(&fakeClock{}))

	chunks, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, chunks)
	assert.True(t, a.Truncated())

	_, err = a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "truncated allocator stops polling")
}

func TestAllocator_EmptyReadyIsWaitedOut(t *testing.T) {
	src := &scriptedSource{answers: []*ds3.Allocation{
		{Status: ds3.AllocationReady},
		ready(1),
	}}
	clock := &fakeClock{}
	a := New(src, uuid.New(), WithClock(clock), WithRetryAfter(time.Second))

	chunks, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	assert.Equal(t, []time.Duration{time.Second}, clock.sleeps)
}

func TestAllocator_BackendErrorIsNotRetried(t *testing.T) {
	boom := errors.New("connection reset")
	src := &scriptedSource{err: boom}
	clock := &fakeClock{}
	a := New(src, uuid.New(), WithClock(clock))

	_, err := a.Next(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, src.calls)
	assert.Empty(t, clock.sleeps)
	assert.Equal(t, Failed, a.State())
}

func TestAllocator_NilAnswerFails(t *testing.T) {
	src := &scriptedSource{answers: []*ds3.Allocation{nil}}
	clock := &fakeClock{}
	a := New(src, uuid.New(), WithClock(clock))

	_, err := a.Next(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, a.State())
	assert.Empty(t, clock.sleeps)

	_, again := a.Next(context.Background())
	assert.Equal(t, err, again)
	assert.Equal(t, 1, src.calls)
}

func TestAllocator_Cancelled(t *testing.T) {
	src := &scriptedSource{answers: []*ds3.Allocation{notReady(time.Hour)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New(src, uuid.New(), WithClock(&fakeClock{}))

	_, err := a.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, src.calls, "no allocation after cancel")
}

func TestSystemClock_Sleep(t *testing.T) {
	require.NoError(t, SystemClock.Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := SystemClock.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "allocating", Allocating.String())
	assert.Equal(t, "retrying", Retrying.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "truncated", Truncated.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", State(42).String())
}
