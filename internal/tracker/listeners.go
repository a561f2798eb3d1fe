package tracker

import (
	"sync/atomic"

	"github.com/NamanBalaji/ds3bulk/internal/logger"
)

// ListenerID identifies a registered listener so it can be removed later.
// One ID covers every object a fan-out registration reached.
type ListenerID uint64

var lastListenerID atomic.Uint64

func newListenerID() ListenerID {
	return ListenerID(lastListenerID.Add(1))
}

// ObjectCompletedListener is called once with the object name when every
// part of the object has been transferred.
type ObjectCompletedListener func(name string)

// DataTransferredListener is called with the size of each completed part.
type DataTransferredListener func(size int64)

// JobCompletedListener is called once when every object of the job is complete.
type JobCompletedListener func()

type entry[T any] struct {
	id ListenerID
	fn T
}

// observers is an ordered listener list. It is not safe for concurrent use;
// the owning tracker guards it with its own mutex.
type observers[T any] struct {
	entries []entry[T]
}

func (o *observers[T]) add(id ListenerID, fn T) {
	o.entries = append(o.entries, entry[T]{id: id, fn: fn})
}

func (o *observers[T]) remove(id ListenerID) bool {
	for i, e := range o.entries {
		if e.id == id {
			o.entries = append(o.entries[:i:i], o.entries[i+1:]...)
			return true
		}
	}

	return false
}

func (o *observers[T]) len() int {
	return len(o.entries)
}

// snapshot copies the listeners in registration order so they can be
// invoked without holding the owner's lock.
func (o *observers[T]) snapshot() []T {
	fns := make([]T, 0, len(o.entries))
	for _, e := range o.entries {
		fns = append(fns, e.fn)
	}

	return fns
}

// safeCall runs a listener, logging instead of propagating a panic so one
// faulty listener cannot stop delivery to the others.
func safeCall(kind string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("%s listener panicked: %v", kind, r)
		}
	}()

	call()
}
