package tracker

import (
	"sync"

	"github.com/NamanBalaji/ds3bulk/internal/errors"
)

// JobPartTracker owns one ObjectPartTracker per object of a job and fires
// the job-completed event exactly once, after the last object completed.
type JobPartTracker struct {
	// trackers and names are fixed at construction.
	trackers map[string]*ObjectPartTracker
	names    []string

	mu           sync.Mutex
	remaining    int
	completed    bool
	settled      chan struct{}
	jobCompleted observers[JobCompletedListener]
}

// NewJobPartTracker builds a tracker from the job manifest. Entries sharing
// a name are merged into one object tracker.
func NewJobPartTracker(entries []ObjectEntry) (*JobPartTracker, error) {
	j := &JobPartTracker{
		trackers: make(map[string]*ObjectPartTracker, len(entries)),
		settled:  make(chan struct{}),
	}

	for _, entry := range entries {
		if existing, ok := j.trackers[entry.Name]; ok {
			for _, p := range entry.Parts {
				if err := existing.RegisterPart(p.Number, p.Length); err != nil {
					return nil, err
				}
			}
			continue
		}

		t, err := NewObjectPartTracker(entry)
		if err != nil {
			return nil, err
		}

		j.trackers[entry.Name] = t
		j.names = append(j.names, entry.Name)

		if !t.IsComplete() {
			j.remaining++
		}
	}

	if j.remaining == 0 {
		j.completed = true
		close(j.settled)
	}

	return j, nil
}

// Names returns the object names in manifest order.
func (j *JobPartTracker) Names() []string {
	names := make([]string, len(j.names))
	copy(names, j.names)

	return names
}

// TrackerFor returns the tracker of the named object.
func (j *JobPartTracker) TrackerFor(name string) (*ObjectPartTracker, error) {
	t, ok := j.trackers[name]
	if !ok {
		return nil, errors.NewManifestError(name, 0, errors.ErrUnknownObject)
	}

	return t, nil
}

// RegisterPart adds an expected part to the named object.
func (j *JobPartTracker) RegisterPart(name string, number int, length int64) error {
	t, err := j.TrackerFor(name)
	if err != nil {
		return err
	}

	return t.RegisterPart(number, length)
}

// CompletePart marks a part of the named object as transferred. When it
// completes the last outstanding object, the job-completed listeners run
// before it returns. Once the job completed, further calls wait for those
// listeners to return, so a job-completed listener must not complete parts.
func (j *JobPartTracker) CompletePart(name string, number int, size int64) error {
	t, err := j.TrackerFor(name)
	if err != nil {
		return err
	}

	objectDone, err := t.completePart(number, size)
	if err != nil {
		return err
	}

	if !objectDone {
		j.waitSettled()
		return nil
	}

	j.mu.Lock()
	j.remaining--
	fire := j.remaining == 0 && !j.completed
	if fire {
		j.completed = true
	}

	var fns []JobCompletedListener
	if fire {
		fns = j.jobCompleted.snapshot()
	}
	j.mu.Unlock()

	for _, fn := range fns {
		safeCall("job completed", fn)
	}

	if fire {
		close(j.settled)
	}

	return nil
}

func (j *JobPartTracker) waitSettled() {
	j.mu.Lock()
	completed := j.completed
	j.mu.Unlock()

	if completed {
		<-j.settled
	}
}

// IsPartComplete reports whether the part of the named object is complete.
func (j *JobPartTracker) IsPartComplete(name string, number int) bool {
	t, ok := j.trackers[name]
	return ok && t.IsPartComplete(number)
}

// IsObjectComplete reports whether the named object fired its
// object-completed event.
func (j *JobPartTracker) IsObjectComplete(name string) bool {
	t, ok := j.trackers[name]
	return ok && t.IsComplete()
}

// IsComplete reports whether the job-completed event has fired.
func (j *JobPartTracker) IsComplete() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.completed
}

// AttachObjectCompletedListener registers fn on every object of the job.
func (j *JobPartTracker) AttachObjectCompletedListener(fn ObjectCompletedListener) ListenerID {
	id := newListenerID()
	for _, name := range j.names {
		j.trackers[name].attachObjectCompleted(id, fn)
	}

	return id
}

// AttachDataTransferredListener registers fn on every object of the job.
func (j *JobPartTracker) AttachDataTransferredListener(fn DataTransferredListener) ListenerID {
	id := newListenerID()
	for _, name := range j.names {
		j.trackers[name].attachDataTransferred(id, fn)
	}

	return id
}

// AttachJobCompletedListener registers fn for the job-completed event. It is
// called immediately if the job already completed.
func (j *JobPartTracker) AttachJobCompletedListener(fn JobCompletedListener) ListenerID {
	id := newListenerID()

	j.mu.Lock()
	if !j.completed {
		j.jobCompleted.add(id, fn)
		j.mu.Unlock()
		return id
	}
	j.mu.Unlock()

	safeCall("job completed", fn)

	return id
}

// RemoveListener removes a listener of any kind from every object.
func (j *JobPartTracker) RemoveListener(id ListenerID) bool {
	removed := false
	for _, name := range j.names {
		if j.trackers[name].RemoveListener(id) {
			removed = true
		}
	}

	j.mu.Lock()
	if j.jobCompleted.remove(id) {
		removed = true
	}
	j.mu.Unlock()

	return removed
}

// JobCompletedListenerCount returns the number of pending job-completed listeners.
func (j *JobPartTracker) JobCompletedListenerCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.jobCompleted.len()
}
