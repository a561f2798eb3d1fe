package bulk

import (
	"context"
	"io"

	"github.com/NamanBalaji/ds3bulk/internal/errors"
	"github.com/NamanBalaji/ds3bulk/internal/transfer"
	"github.com/NamanBalaji/ds3bulk/pkg/ds3"
)

// WriteJob uploads objects to a bucket.
type WriteJob struct {
	*Job
}

// Transfer uploads every part of the job, reading object content from
// putter. It blocks until the job completed, a fatal error occurred or ctx
// was cancelled. Objects whose parts ran out of attempts are reported
// together in a *TransferFailedError once the other objects drained.
func (w *WriteJob) Transfer(ctx context.Context, putter ObjectPutter) error {
	if putter == nil {
		return errors.New("bulk: nil ObjectPutter")
	}

	readers := newChannels[ObjectReader]()
	closer := w.trackers.Internal().AttachObjectCompletedListener(readers.close)
	defer w.trackers.Internal().RemoveListener(closer)

	move := func(ctx context.Context, part ds3.Part) (int64, error) {
		r, err := readers.get(part.Object, func() (ObjectReader, error) {
			return putter.GetContent(ctx, part.Object)
		})
		if err != nil {
			return 0, errors.NewIOError(err, part.Object)
		}

		body := transfer.LimitReader(ctx, io.NewSectionReader(r, part.Offset, part.Length), w.limiter)
		if err := w.client.PutPart(ctx, w.id, w.bucket, part, body); err != nil {
			return 0, err
		}

		return part.Length, nil
	}

	return w.run(ctx, move, readers.closeAll)
}
