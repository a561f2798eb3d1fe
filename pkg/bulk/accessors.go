package bulk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/NamanBalaji/ds3bulk/internal/logger"
)

// ObjectReader is the content of one object being written. Parts of the
// same object are read concurrently at their own offsets.
type ObjectReader interface {
	io.ReaderAt
	io.Closer
}

// ObjectWriter receives the content of one object being read. Parts of the
// same object are written concurrently at their own offsets.
type ObjectWriter interface {
	io.WriterAt
	io.Closer
}

// ObjectPutter supplies object content for a write job. GetContent is
// called at most once per object and may be called concurrently for
// different objects. The reader is closed once the object completed, or
// when the transfer ends.
type ObjectPutter interface {
	GetContent(ctx context.Context, name string) (ObjectReader, error)
}

// ObjectGetter receives object content for a read job. WriteContent is
// called at most once per object and may be called concurrently for
// different objects. The writer is closed once the object completed, or
// when the transfer ends.
type ObjectGetter interface {
	WriteContent(ctx context.Context, name string) (ObjectWriter, error)
}

// PutterFunc adapts a function to ObjectPutter.
type PutterFunc func(ctx context.Context, name string) (ObjectReader, error)

func (f PutterFunc) GetContent(ctx context.Context, name string) (ObjectReader, error) {
	return f(ctx, name)
}

// GetterFunc adapts a function to ObjectGetter.
type GetterFunc func(ctx context.Context, name string) (ObjectWriter, error)

func (f GetterFunc) WriteContent(ctx context.Context, name string) (ObjectWriter, error) {
	return f(ctx, name)
}

// FileObjectPutter reads object content from files under dir. Object
// names are slash-separated paths relative to dir.
func FileObjectPutter(dir string) ObjectPutter {
	return PutterFunc(func(_ context.Context, name string) (ObjectReader, error) {
		path, err := localPath(dir, name)
		if err != nil {
			return nil, err
		}

		return os.Open(path)
	})
}

// FileObjectGetter writes object content to files under dir, creating
// parent directories as needed. Existing files are opened in place so a
// recovered job can fill in the parts it still misses; a read job cuts each
// file to its object's length once the object completes.
func FileObjectGetter(dir string) ObjectGetter {
	return GetterFunc(func(_ context.Context, name string) (ObjectWriter, error) {
		path, err := localPath(dir, name)
		if err != nil {
			return nil, err
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}

		return os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	})
}

func localPath(dir, name string) (string, error) {
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("object name %q escapes %s", name, dir)
	}

	return filepath.Join(dir, rel), nil
}

// channels caches the reader or writer opened for each object of a job.
type channels[T io.Closer] struct {
	mu      sync.Mutex
	entries map[string]*channel[T]
}

type channel[T io.Closer] struct {
	mu     sync.Mutex
	val    T
	opened bool
	closed bool
}

func newChannels[T io.Closer]() *channels[T] {
	return &channels[T]{entries: make(map[string]*channel[T])}
}

// get returns the channel for name, opening it on first use. A failed
// open is retried by the next call.
func (c *channels[T]) get(name string, open func() (T, error)) (T, error) {
	c.mu.Lock()
	ch, ok := c.entries[name]
	if !ok {
		ch = &channel[T]{}
		c.entries[name] = ch
	}
	c.mu.Unlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	var zero T
	if ch.closed {
		return zero, fmt.Errorf("channel for %q is closed", name)
	}

	if !ch.opened {
		v, err := open()
		if err != nil {
			return zero, err
		}

		ch.val = v
		ch.opened = true
	}

	return ch.val, nil
}

// close closes the channel for name once. Close errors are logged.
func (c *channels[T]) close(name string) {
	c.closeWith(name, nil)
}

// closeWith runs finish on an opened channel before closing it. Errors of
// either step are logged.
func (c *channels[T]) closeWith(name string, finish func(T) error) {
	c.mu.Lock()
	ch, ok := c.entries[name]
	if !ok {
		ch = &channel[T]{}
		c.entries[name] = ch
	}
	c.mu.Unlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return
	}
	ch.closed = true

	if !ch.opened {
		return
	}

	if finish != nil {
		if err := finish(ch.val); err != nil {
			logger.Warnf("Failed to finish channel for %s: %v", name, err)
		}
	}

	if err := ch.val.Close(); err != nil {
		logger.Warnf("Failed to close channel for %s: %v", name, err)
	}
}

func (c *channels[T]) closeAll() {
	c.mu.Lock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		c.close(name)
	}
}
