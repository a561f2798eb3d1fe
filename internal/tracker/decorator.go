package tracker

// JobPartTrackerDecorator composes the engine's internal tracker with the
// tracker backing the public listener API. Every completion is applied to
// the internal tracker first, so internal listeners (such as closing an
// object's stream) have returned before any client listener sees the same
// event.
type JobPartTrackerDecorator struct {
	internal *JobPartTracker
	client   *JobPartTracker
}

func NewJobPartTrackerDecorator(internal, client *JobPartTracker) *JobPartTrackerDecorator {
	return &JobPartTrackerDecorator{
		internal: internal,
		client:   client,
	}
}

// Internal returns the engine-owned tracker.
func (d *JobPartTrackerDecorator) Internal() *JobPartTracker {
	return d.internal
}

// Client returns the tracker exposed to callers.
func (d *JobPartTrackerDecorator) Client() *JobPartTracker {
	return d.client
}

// RegisterPart adds an expected part to both trackers.
func (d *JobPartTrackerDecorator) RegisterPart(name string, number int, length int64) error {
	if err := d.internal.RegisterPart(name, number, length); err != nil {
		return err
	}

	return d.client.RegisterPart(name, number, length)
}

// CompletePart is the single entry point for part completions.
func (d *JobPartTrackerDecorator) CompletePart(name string, number int, size int64) error {
	if err := d.internal.CompletePart(name, number, size); err != nil {
		return err
	}

	return d.client.CompletePart(name, number, size)
}

func (d *JobPartTrackerDecorator) IsPartComplete(name string, number int) bool {
	return d.client.IsPartComplete(name, number)
}

// Names returns the object names in manifest order.
func (d *JobPartTrackerDecorator) Names() []string {
	return d.client.Names()
}

func (d *JobPartTrackerDecorator) IsObjectComplete(name string) bool {
	return d.client.IsObjectComplete(name)
}

// IsComplete reports whether the client tracker fired job-completed, which
// implies the internal one did too.
func (d *JobPartTrackerDecorator) IsComplete() bool {
	return d.client.IsComplete()
}
