package transfer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bulkerrors "github.com/NamanBalaji/ds3bulk/internal/errors"
	"github.com/NamanBalaji/ds3bulk/internal/tracker"
	"github.com/NamanBalaji/ds3bulk/pkg/ds3"
)

// roundAllocator hands out the scripted rounds, then either err or truncation.
type roundAllocator struct {
	mu        sync.Mutex
	rounds    [][]ds3.Chunk
	err       error
	calls     int
	truncated bool
}

func (a *roundAllocator) Next(ctx context.Context) ([]ds3.Chunk, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	if i := a.calls - 1; i < len(a.rounds) {
		return a.rounds[i], nil
	}

	if a.err != nil {
		return nil, a.err
	}

	a.truncated = true

	return nil, nil
}

func (a *roundAllocator) Truncated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.truncated
}

func (a *roundAllocator) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.calls
}

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func parts(object string, n int, length int64) []ds3.Part {
	out := make([]ds3.Part, n)
	for i := range out {
		out[i] = ds3.Part{Object: object, Number: i + 1, Offset: int64(i) * length, Length: length}
	}

	return out
}

func chunk(n int, p ...ds3.Part) ds3.Chunk {
	return ds3.Chunk{ID: uuid.New(), Number: n, Parts: p}
}

func newJobTracker(t *testing.T, objects map[string]int64) *tracker.JobPartTracker {
	t.Helper()

	var entries []tracker.ObjectEntry
	for name, size := range objects {
		entries = append(entries, tracker.ObjectEntry{Name: name, Size: size})
	}

	jt, err := tracker.NewJobPartTracker(entries)
	require.NoError(t, err)

	return jt
}

func succeed(_ context.Context, part ds3.Part) (int64, error) {
	return part.Length, nil
}

func TestExecutor_CompletesAcrossRounds(t *testing.T) {
	jt := newJobTracker(t, map[string]int64{"a": 30, "b": 10})
	alloc := &roundAllocator{rounds: [][]ds3.Chunk{
		{chunk(1, parts("a", 2, 10)...)},
		{chunk(2, ds3.Part{Object: "a", Number: 3, Offset: 20, Length: 10}, ds3.Part{Object: "b", Number: 1, Length: 10})},
	}}

	var moved atomic.Int64
	move := func(ctx context.Context, part ds3.Part) (int64, error) {
		moved.Add(part.Length)
		return part.Length, nil
	}

	var completed []string
	var mu sync.Mutex
	jt.AttachObjectCompletedListener(func(name string) {
		mu.Lock()
		completed = append(completed, name)
		mu.Unlock()
	})

	e := New(uuid.New(), jt, alloc, move, WithClock(noSleep{}), WithWorkers(3))
	require.NoError(t, e.Run(context.Background()))

	assert.True(t, jt.IsComplete())
	assert.Equal(t, int64(40), moved.Load())
	assert.ElementsMatch(t, []string{"a", "b"}, completed)
	assert.Equal(t, 3, alloc.callCount())
}

func TestExecutor_SkipsCompletedParts(t *testing.T) {
	jt := newJobTracker(t, map[string]int64{"a": 20})
	first := chunk(1, parts("a", 2, 10)...)
	alloc := &roundAllocator{rounds: [][]ds3.Chunk{{first}, {first}}}

	var calls atomic.Int32
	move := func(ctx context.Context, part ds3.Part) (int64, error) {
		calls.Add(1)
		return part.Length, nil
	}

	e := New(uuid.New(), jt, alloc, move, WithClock(noSleep{}))
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, int32(2), calls.Load(), "re-offered parts are not moved twice")
}

func TestExecutor_StopsWhenLocallyComplete(t *testing.T) {
	jt, err := tracker.NewJobPartTracker([]tracker.ObjectEntry{{Name: "a", Size: 20, Transferred: 20, Done: true}})
	require.NoError(t, err)

	// The backend never saw the parts but the object is known to be complete.
	offered := []ds3.Chunk{chunk(1, parts("a", 2, 10)...)}
	alloc := &roundAllocator{rounds: [][]ds3.Chunk{offered, offered, offered}}

	var calls atomic.Int32
	move := func(ctx context.Context, part ds3.Part) (int64, error) {
		calls.Add(1)
		return part.Length, nil
	}

	e := New(uuid.New(), jt, alloc, move, WithClock(noSleep{}))
	require.NoError(t, e.Run(context.Background()))
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, alloc.callCount())
}

func TestExecutor_PartialFailureIsIsolated(t *testing.T) {
	jt := newJobTracker(t, map[string]int64{"a": 20, "b": 20})
	round := []ds3.Chunk{chunk(1, append(parts("a", 2, 10), parts("b", 2, 10)...)...)}
	// The backend keeps offering b's parts because they never arrive.
	alloc := &roundAllocator{rounds: [][]ds3.Chunk{round, {chunk(2, parts("b", 2, 10)...)}, {chunk(3, parts("b", 2, 10)...)}}}

	var bAttempts atomic.Int32
	boom := errors.New("disk read failed")
	move := func(ctx context.Context, part ds3.Part) (int64, error) {
		if part.Object == "b" && part.Number == 2 {
			bAttempts.Add(1)
			return 0, bulkerrors.NewIOError(boom, part.Object)
		}
		return part.Length, nil
	}

	aDone := make(chan struct{})
	jt.AttachObjectCompletedListener(func(name string) {
		if name == "a" {
			close(aDone)
		}
	})

	e := New(uuid.New(), jt, alloc, move, WithClock(noSleep{}), WithMaxAttempts(3))
	err := e.Run(context.Background())
	require.Error(t, err)

	var failed *bulkerrors.TransferFailedError
	require.ErrorAs(t, err, &failed)
	require.Len(t, failed.Failures, 1)
	assert.Equal(t, "b", failed.Failures[0].Object)
	assert.Equal(t, 2, failed.Failures[0].Part)
	assert.Equal(t, 3, failed.Failures[0].Attempts)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, int32(3), bAttempts.Load())
	assert.False(t, jt.IsComplete())

	select {
	case <-aDone:
	default:
		t.Fatal("object a did not complete")
	}

	assert.Equal(t, 2, alloc.callCount(), "stops once only failed objects are offered")
}

func TestExecutor_RetryClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		attempts int
	}{
		{name: "retryable backend error", err: bulkerrors.NewBackendError(errors.New("unavailable"), "a", 503), attempts: 4},
		{name: "permanent backend error", err: bulkerrors.NewBackendError(errors.New("forbidden"), "a", 403), attempts: 1},
		{name: "unclassified error", err: errors.New("eof"), attempts: 4},
		{name: "permanent network error", err: bulkerrors.NewNetworkError(errors.New("bad address"), "a", false), attempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jt := newJobTracker(t, map[string]int64{"a": 10})
			alloc := &roundAllocator{rounds: [][]ds3.Chunk{{chunk(1, parts("a", 1, 10)...)}}}

			var calls atomic.Int32
			move := func(context.Context, ds3.Part) (int64, error) {
				calls.Add(1)
				return 0, tt.err
			}

			e := New(uuid.New(), jt, alloc, move, WithClock(noSleep{}), WithMaxAttempts(4))
			err := e.Run(context.Background())

			var failed *bulkerrors.TransferFailedError
			require.ErrorAs(t, err, &failed)
			assert.Equal(t, tt.attempts, failed.Failures[0].Attempts)
			assert.Equal(t, int32(tt.attempts), calls.Load())
		})
	}
}

func TestExecutor_TransientErrorRecovers(t *testing.T) {
	jt := newJobTracker(t, map[string]int64{"a": 10})
	alloc := &roundAllocator{rounds: [][]ds3.Chunk{{chunk(1, parts("a", 1, 10)...)}}}

	var calls atomic.Int32
	move := func(_ context.Context, part ds3.Part) (int64, error) {
		if calls.Add(1) < 3 {
			return 0, bulkerrors.NewIOError(errors.New("short read"), part.Object)
		}
		return part.Length, nil
	}

	e := New(uuid.New(), jt, alloc, move, WithClock(noSleep{}), WithMaxAttempts(3))
	require.NoError(t, e.Run(context.Background()))
	assert.True(t, jt.IsComplete())
	assert.Empty(t, e.Failures())
}

func TestExecutor_AllocationErrorIsFatal(t *testing.T) {
	jt := newJobTracker(t, map[string]int64{"a": 10})
	exhausted := &bulkerrors.ChunkAllocationExhaustedError{JobID: uuid.New(), Retries: 5}
	alloc := &roundAllocator{err: exhausted}

	e := New(uuid.New(), jt, alloc, succeed, WithClock(noSleep{}))
	err := e.Run(context.Background())

	var got *bulkerrors.ChunkAllocationExhaustedError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, 5, got.Retries)
}

func TestExecutor_ManifestErrorIsFatal(t *testing.T) {
	jt, err := tracker.NewJobPartTracker([]tracker.ObjectEntry{{
		Name:  "a",
		Size:  10,
		Parts: []tracker.PartSpec{{Number: 1, Length: 10}},
	}})
	require.NoError(t, err)

	alloc := &roundAllocator{rounds: [][]ds3.Chunk{{chunk(1, ds3.Part{Object: "a", Number: 1, Length: 12})}}}

	var calls atomic.Int32
	move := func(_ context.Context, part ds3.Part) (int64, error) {
		calls.Add(1)
		return part.Length, nil
	}

	e := New(uuid.New(), jt, alloc, move, WithClock(noSleep{}))
	err = e.Run(context.Background())

	require.ErrorIs(t, err, bulkerrors.ErrDuplicatePart)
	assert.Equal(t, int32(0), calls.Load())
}

func TestExecutor_TruncatedButIncomplete(t *testing.T) {
	jt := newJobTracker(t, map[string]int64{"a": 20})
	alloc := &roundAllocator{rounds: [][]ds3.Chunk{{chunk(1, parts("a", 1, 10)...)}}}

	e := New(uuid.New(), jt, alloc, succeed, WithClock(noSleep{}))
	err := e.Run(context.Background())

	require.ErrorIs(t, err, bulkerrors.ErrJobIncomplete)
	assert.False(t, jt.IsComplete())
}

func TestExecutor_WorkerBound(t *testing.T) {
	jt := newJobTracker(t, map[string]int64{"a": 200})
	alloc := &roundAllocator{rounds: [][]ds3.Chunk{{chunk(1, parts("a", 20, 10)...)}}}

	var running, peak atomic.Int32
	move := func(_ context.Context, part ds3.Part) (int64, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)

		return part.Length, nil
	}

	e := New(uuid.New(), jt, alloc, move, WithClock(noSleep{}), WithWorkers(3))
	require.NoError(t, e.Run(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.True(t, jt.IsComplete())
}

func TestExecutor_CancelLetsInFlightPartsFinish(t *testing.T) {
	jt := newJobTracker(t, map[string]int64{"a": 40})
	alloc := &roundAllocator{rounds: [][]ds3.Chunk{
		{chunk(1, parts("a", 4, 10)...)},
		{chunk(2, ds3.Part{Object: "a", Number: 5, Length: 10})},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})

	var moved atomic.Int32
	var sawCancel atomic.Bool
	move := func(ctx context.Context, part ds3.Part) (int64, error) {
		if part.Number == 1 {
			close(started)
			<-release
		}
		if ctx.Err() != nil {
			sawCancel.Store(true)
		}
		moved.Add(1)

		return part.Length, nil
	}

	e := New(uuid.New(), jt, alloc, move, WithClock(noSleep{}), WithWorkers(1))

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	<-started
	cancel()
	close(release)

	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, sawCancel.Load(), "in-flight part must not observe cancellation")
	assert.True(t, jt.IsPartComplete("a", 1), "in-flight part finished")
	assert.Less(t, moved.Load(), int32(4), "no new dispatch after cancel")
	assert.Equal(t, 1, alloc.callCount(), "no allocation after cancel")
}

func TestCalculateBackoff(t *testing.T) {
	base := 100 * time.Millisecond

	for retry := range 4 {
		want := base * (1 << uint(retry))
		got := calculateBackoff(retry, base)

		assert.GreaterOrEqual(t, got, want-want/10)
		assert.LessOrEqual(t, got, want+want/10)
	}

	assert.Equal(t, maxBackoff, calculateBackoff(20, time.Second))
}

func TestExecutor_FailedObjectAheadOfHealthyOne(t *testing.T) {
	jt := newJobTracker(t, map[string]int64{"a": 10, "b": 20})
	b := parts("b", 2, 10)
	// b's chunks are offered one per round before a's.
	alloc := &roundAllocator{rounds: [][]ds3.Chunk{
		{chunk(1, b[0])},
		{chunk(2, b[1])},
		{chunk(3, parts("a", 1, 10)...)},
	}}

	boom := errors.New("disk read failed")
	move := func(_ context.Context, part ds3.Part) (int64, error) {
		if part.Object == "b" {
			return 0, bulkerrors.NewIOError(boom, part.Object)
		}
		return part.Length, nil
	}

	e := New(uuid.New(), jt, alloc, move, WithClock(noSleep{}), WithMaxAttempts(2))
	err := e.Run(context.Background())

	var failed *bulkerrors.TransferFailedError
	require.ErrorAs(t, err, &failed)
	require.Len(t, failed.Failures, 1)
	assert.Equal(t, "b", failed.Failures[0].Object)
	assert.Equal(t, 1, failed.Failures[0].Part)

	assert.True(t, jt.IsObjectComplete("a"), "a healthy object behind a failed one still transfers")
	assert.False(t, jt.IsObjectComplete("b"))
	assert.Equal(t, 4, alloc.callCount())
}

func TestExecutor_StopsWhenBackendCycles(t *testing.T) {
	jt := newJobTracker(t, map[string]int64{"a": 10, "b": 20})
	b := parts("b", 2, 10)
	first, second := chunk(1, b[0]), chunk(2, b[1])
	// a is never offered; the backend wraps around to b's chunks.
	alloc := &roundAllocator{rounds: [][]ds3.Chunk{{first}, {second}, {first}, {second}, {first}}}

	move := func(_ context.Context, part ds3.Part) (int64, error) {
		return 0, bulkerrors.NewIOError(errors.New("gone"), part.Object)
	}

	e := New(uuid.New(), jt, alloc, move, WithClock(noSleep{}), WithMaxAttempts(1))
	err := e.Run(context.Background())

	var failed *bulkerrors.TransferFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 4, alloc.callCount(), "stops when a chunk comes round again")
	assert.False(t, jt.IsObjectComplete("a"))
}

func TestExecutor_IncompleteWithoutTruncation(t *testing.T) {
	jt := newJobTracker(t, map[string]int64{"a": 10, "b": 10})
	done := chunk(1, parts("a", 1, 10)...)
	alloc := &roundAllocator{rounds: [][]ds3.Chunk{{done}, {done}, {done}}}

	e := New(uuid.New(), jt, alloc, succeed, WithClock(noSleep{}))
	err := e.Run(context.Background())

	require.ErrorIs(t, err, bulkerrors.ErrJobIncomplete)
	assert.Equal(t, 3, alloc.callCount())
	assert.False(t, alloc.Truncated())
}
