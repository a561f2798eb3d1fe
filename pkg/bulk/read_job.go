package bulk

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/NamanBalaji/ds3bulk/internal/errors"
	"github.com/NamanBalaji/ds3bulk/internal/transfer"
	"github.com/NamanBalaji/ds3bulk/pkg/ds3"
)

// ReadJob downloads objects from a bucket.
type ReadJob struct {
	*Job
}

// truncater is implemented by writers that can be cut to a length, such as
// *os.File.
type truncater interface {
	Truncate(size int64) error
}

// extents records the end of the furthest part written per object.
type extents struct {
	mu   sync.Mutex
	ends map[string]int64
}

func (e *extents) grow(name string, end int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ends[name] = max(e.ends[name], end)
}

func (e *extents) end(name string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ends[name]
}

// Transfer downloads every part of the job, writing object content to
// getter at each part's offset. It has the same completion and failure
// semantics as WriteJob.Transfer.
func (r *ReadJob) Transfer(ctx context.Context, getter ObjectGetter) error {
	if getter == nil {
		return errors.New("bulk: nil ObjectGetter")
	}

	writers := newChannels[ObjectWriter]()
	written := &extents{ends: make(map[string]int64)}

	// Content left over from a longer earlier file is cut off.
	closer := r.trackers.Internal().AttachObjectCompletedListener(func(name string) {
		writers.closeWith(name, func(w ObjectWriter) error {
			t, ok := w.(truncater)
			if !ok {
				return nil
			}

			return t.Truncate(max(r.objectSize(name), written.end(name)))
		})
	})
	defer r.trackers.Internal().RemoveListener(closer)

	move := func(ctx context.Context, part ds3.Part) (int64, error) {
		w, err := writers.get(part.Object, func() (ObjectWriter, error) {
			return getter.WriteContent(ctx, part.Object)
		})
		if err != nil {
			return 0, errors.NewIOError(err, part.Object)
		}

		body, err := r.client.GetPart(ctx, r.id, r.bucket, part)
		if err != nil {
			return 0, err
		}

		dst := transfer.LimitWriter(ctx, io.NewOffsetWriter(w, part.Offset), r.limiter)
		n, err := io.Copy(dst, io.LimitReader(body, part.Length))
		if err != nil {
			body.Close()
			return 0, errors.NewIOError(err, part.Object)
		}

		if n != part.Length {
			body.Close()
			return 0, errors.NewIOError(fmt.Errorf("part %d: got %d of %d bytes: %w", part.Number, n, part.Length, io.ErrUnexpectedEOF), part.Object)
		}

		if err := body.Close(); err != nil {
			return 0, errors.NewIOError(err, part.Object)
		}

		written.grow(part.Object, part.Offset+n)

		return n, nil
	}

	return r.run(ctx, move, writers.closeAll)
}

func (r *ReadJob) objectSize(name string) int64 {
	t, err := r.trackers.Internal().TrackerFor(name)
	if err != nil {
		return 0
	}

	return t.Size()
}
