package transfer

import (
	"context"
	"io"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

const maxBackoff = 2 * time.Minute

func calculateBackoff(retryCount int, baseDelay time.Duration) time.Duration {
	delay := baseDelay * (1 << uint(retryCount))

	jitter := time.Duration(rand.Float64() * float64(delay) * 0.2) // +/- 10%
	finalDelay := delay + jitter - (time.Duration(float64(delay) * 0.1))

	if finalDelay > maxBackoff {
		finalDelay = maxBackoff
	}

	return finalDelay
}

// NewLimiter returns a limiter shared by every part of a job, or nil when
// bytesPerSec is not positive.
func NewLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}

	return rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

type rateLimitReader struct {
	ctx context.Context
	r   io.Reader
	l   *rate.Limiter
}

// LimitReader throttles reads from r through l. A nil limiter returns r.
func LimitReader(ctx context.Context, r io.Reader, l *rate.Limiter) io.Reader {
	if l == nil {
		return r
	}

	return &rateLimitReader{ctx: ctx, r: r, l: l}
}

func (r *rateLimitReader) Read(p []byte) (int, error) {
	if burst := r.l.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.l.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}

	return n, err
}

type rateLimitWriter struct {
	ctx context.Context
	w   io.Writer
	l   *rate.Limiter
}

// LimitWriter throttles writes to w through l. A nil limiter returns w.
func LimitWriter(ctx context.Context, w io.Writer, l *rate.Limiter) io.Writer {
	if l == nil {
		return w
	}

	return &rateLimitWriter{ctx: ctx, w: w, l: l}
}

func (w *rateLimitWriter) Write(p []byte) (int, error) {
	written := 0
	burst := w.l.Burst()

	for written < len(p) {
		size := min(len(p)-written, burst)
		if err := w.l.WaitN(w.ctx, size); err != nil {
			return written, err
		}

		n, err := w.w.Write(p[written : written+size])
		written += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
