package tracker

import (
	"sync"

	"github.com/NamanBalaji/ds3bulk/internal/errors"
)

// PartSpec declares one expected part of an object.
type PartSpec struct {
	Number int
	Length int64
}

// ObjectEntry declares one object of a job and the parts expected for it.
// Transferred counts bytes moved in an earlier session; Done marks an object
// that needs no further work.
type ObjectEntry struct {
	Name        string
	Size        int64
	Transferred int64
	Done        bool
	Parts       []PartSpec
}

type partState struct {
	length int64
	done   bool
}

// ObjectPartTracker tracks the parts of a single object and fires the
// object-completed event exactly once.
//
// Listeners registered after the tracker completed are called immediately,
// so a late registration never misses the event. CompletePart on a
// completed tracker waits for the completion listeners to return, so a
// completion listener must not complete parts of its own object.
type ObjectPartTracker struct {
	mu sync.Mutex

	name        string
	size        int64
	transferred int64

	parts       map[int]*partState
	outstanding int
	completed   int64
	terminal    bool
	settled     chan struct{}

	objectCompleted observers[ObjectCompletedListener]
	dataTransferred observers[DataTransferredListener]
}

// NewObjectPartTracker creates a tracker for the given object. The entry's
// parts are registered immediately.
func NewObjectPartTracker(entry ObjectEntry) (*ObjectPartTracker, error) {
	t := &ObjectPartTracker{
		name:        entry.Name,
		size:        entry.Size,
		transferred: entry.Transferred,
		parts:       make(map[int]*partState, len(entry.Parts)),
		settled:     make(chan struct{}),
	}

	for _, p := range entry.Parts {
		if err := t.RegisterPart(p.Number, p.Length); err != nil {
			return nil, err
		}
	}

	if entry.Done {
		t.terminal = true
		close(t.settled)
	}

	return t, nil
}

// Name returns the object name.
func (t *ObjectPartTracker) Name() string {
	return t.name
}

// Size returns the declared object size.
func (t *ObjectPartTracker) Size() int64 {
	return t.size
}

// RegisterPart adds an expected part. Registering the same part again with
// the same length is a no-op.
func (t *ObjectPartTracker) RegisterPart(number int, length int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.parts[number]; ok {
		if p.length != length {
			return errors.NewManifestError(t.name, number, errors.ErrDuplicatePart)
		}
		return nil
	}

	if t.terminal {
		return errors.NewManifestError(t.name, number, errors.ErrTrackerTerminated)
	}

	t.parts[number] = &partState{length: length}
	t.outstanding++

	return nil
}

// CompletePart marks a part as transferred and notifies listeners.
func (t *ObjectPartTracker) CompletePart(number int, size int64) error {
	_, err := t.completePart(number, size)
	return err
}

// completePart reports whether this call completed the object. When it
// returns true every object-completed listener has already returned.
func (t *ObjectPartTracker) completePart(number int, size int64) (bool, error) {
	t.mu.Lock()

	if t.terminal {
		t.mu.Unlock()
		<-t.settled
		return false, nil
	}

	p, ok := t.parts[number]
	if !ok {
		t.mu.Unlock()
		return false, errors.NewManifestError(t.name, number, errors.ErrUnknownPart)
	}

	if !p.done {
		p.done = true
		t.outstanding--
		t.completed += p.length
	}

	fire := t.satisfied()
	if fire {
		t.terminal = true
	}

	dataFns := t.dataTransferred.snapshot()

	var doneFns []ObjectCompletedListener
	if fire {
		doneFns = t.objectCompleted.snapshot()
	}

	t.mu.Unlock()

	for _, fn := range dataFns {
		safeCall("data transferred", func() { fn(size) })
	}

	if !fire {
		return false, nil
	}

	for _, fn := range doneFns {
		safeCall("object completed", func() { fn(t.name) })
	}
	close(t.settled)

	return true, nil
}

// satisfied must be called with mu held.
func (t *ObjectPartTracker) satisfied() bool {
	if t.outstanding > 0 || len(t.parts) == 0 {
		return false
	}

	return t.size <= 0 || t.transferred+t.completed >= t.size
}

// IsPartComplete reports whether the part has been completed at least once.
func (t *ObjectPartTracker) IsPartComplete(number int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal {
		return true
	}

	p, ok := t.parts[number]
	return ok && p.done
}

// IsComplete reports whether the object-completed event has fired.
func (t *ObjectPartTracker) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.terminal
}

// CompletedBytes returns the bytes transferred for the object so far.
func (t *ObjectPartTracker) CompletedBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal && t.size > 0 {
		return t.size
	}

	return t.transferred + t.completed
}

// AttachObjectCompletedListener registers fn for the object-completed event.
func (t *ObjectPartTracker) AttachObjectCompletedListener(fn ObjectCompletedListener) ListenerID {
	id := newListenerID()
	t.attachObjectCompleted(id, fn)

	return id
}

func (t *ObjectPartTracker) attachObjectCompleted(id ListenerID, fn ObjectCompletedListener) {
	t.mu.Lock()
	if !t.terminal {
		t.objectCompleted.add(id, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	safeCall("object completed", func() { fn(t.name) })
}

// AttachDataTransferredListener registers fn for part data events.
func (t *ObjectPartTracker) AttachDataTransferredListener(fn DataTransferredListener) ListenerID {
	id := newListenerID()
	t.attachDataTransferred(id, fn)

	return id
}

func (t *ObjectPartTracker) attachDataTransferred(id ListenerID, fn DataTransferredListener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dataTransferred.add(id, fn)
}

// RemoveListener removes a listener of either kind. It reports whether
// anything was removed.
func (t *ObjectPartTracker) RemoveListener(id ListenerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := t.objectCompleted.remove(id)
	if t.dataTransferred.remove(id) {
		removed = true
	}

	return removed
}

// ObjectCompletedListenerCount returns the number of pending
// object-completed listeners.
func (t *ObjectPartTracker) ObjectCompletedListenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.objectCompleted.len()
}

// DataTransferredListenerCount returns the number of data-transferred listeners.
func (t *ObjectPartTracker) DataTransferredListenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.dataTransferred.len()
}
