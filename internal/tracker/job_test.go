package tracker_test

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/ds3bulk/internal/errors"
	"github.com/NamanBalaji/ds3bulk/internal/tracker"
)

// equalParts builds an entry whose size is split into n parts of equal length.
func equalParts(name string, n int, length int64) tracker.ObjectEntry {
	entry := tracker.ObjectEntry{Name: name, Size: int64(n) * length}
	for i := 1; i <= n; i++ {
		entry.Parts = append(entry.Parts, tracker.PartSpec{Number: i, Length: length})
	}

	return entry
}

// eventLog records listener invocations in order from any goroutine.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestJobPartTracker_TenMegabyteObjectOutOfOrder(t *testing.T) {
	const partSize = 10 * 1024 * 1024 / 4

	job, err := tracker.NewJobPartTracker([]tracker.ObjectEntry{equalParts("movie.bin", 4, partSize)})
	require.NoError(t, err)

	log := &eventLog{}
	job.AttachObjectCompletedListener(func(name string) { log.add("object:" + name) })
	job.AttachJobCompletedListener(func() { log.add("job") })

	for i, n := range []int{1, 3, 2, 4} {
		require.NoError(t, job.CompletePart("movie.bin", n, partSize))
		if i < 3 {
			assert.Empty(t, log.all(), "no completion before the fourth part")
		}
	}

	assert.Equal(t, []string{"object:movie.bin", "job"}, log.all())
	assert.True(t, job.IsComplete())
}

func TestJobPartTracker_JobCompletedAfterLastObject(t *testing.T) {
	entries := []tracker.ObjectEntry{
		equalParts("a", 3, 8),
		equalParts("b", 5, 8),
		equalParts("c", 1, 8),
		equalParts("d", 7, 8),
	}

	for round := range 20 {
		t.Run(fmt.Sprintf("round_%d", round), func(t *testing.T) {
			job, err := tracker.NewJobPartTracker(entries)
			require.NoError(t, err)

			log := &eventLog{}
			job.AttachObjectCompletedListener(func(name string) { log.add("object:" + name) })
			job.AttachJobCompletedListener(func() { log.add("job") })

			type completion struct {
				name string
				part int
			}
			var work []completion
			for _, e := range entries {
				for _, p := range e.Parts {
					work = append(work, completion{e.Name, p.Number}, completion{e.Name, p.Number})
				}
			}
			rand.Shuffle(len(work), func(i, j int) { work[i], work[j] = work[j], work[i] })

			var wg sync.WaitGroup
			for _, c := range work {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, job.CompletePart(c.name, c.part, 8))
				}()
			}
			wg.Wait()

			events := log.all()
			require.Len(t, events, len(entries)+1)
			assert.Equal(t, "job", events[len(events)-1], "job-completed must be last")
			assert.ElementsMatch(t, []string{"object:a", "object:b", "object:c", "object:d"}, events[:len(entries)])
		})
	}
}

func TestJobPartTracker_FanOutRegistration(t *testing.T) {
	job, err := tracker.NewJobPartTracker([]tracker.ObjectEntry{equalParts("a", 1, 4), equalParts("b", 2, 4)})
	require.NoError(t, err)

	var completed []string
	var transferred int64
	id := job.AttachObjectCompletedListener(func(name string) { completed = append(completed, name) })
	job.AttachDataTransferredListener(func(size int64) { transferred += size })

	for _, name := range job.Names() {
		obj, err := job.TrackerFor(name)
		require.NoError(t, err)
		assert.Equal(t, 1, obj.ObjectCompletedListenerCount())
		assert.Equal(t, 1, obj.DataTransferredListenerCount())
	}

	require.NoError(t, job.CompletePart("b", 1, 4))
	require.NoError(t, job.CompletePart("a", 1, 4))
	require.NoError(t, job.CompletePart("b", 2, 4))

	assert.Equal(t, []string{"a", "b"}, completed)
	assert.Equal(t, int64(12), transferred)

	assert.True(t, job.RemoveListener(id))
}

func TestJobPartTracker_UnknownObject(t *testing.T) {
	job, err := tracker.NewJobPartTracker([]tracker.ObjectEntry{equalParts("a", 1, 4)})
	require.NoError(t, err)

	_, err = job.TrackerFor("missing")
	assert.True(t, errors.Is(err, errors.ErrUnknownObject))

	err = job.CompletePart("missing", 1, 4)
	assert.True(t, errors.Is(err, errors.ErrUnknownObject))

	err = job.RegisterPart("missing", 1, 4)
	assert.True(t, errors.Is(err, errors.ErrUnknownObject))
}

func TestJobPartTracker_MergesRepeatedEntries(t *testing.T) {
	job, err := tracker.NewJobPartTracker([]tracker.ObjectEntry{
		{Name: "a", Size: 8, Parts: []tracker.PartSpec{{Number: 1, Length: 4}}},
		{Name: "a", Size: 8, Parts: []tracker.PartSpec{{Number: 2, Length: 4}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, job.Names())

	_, err = tracker.NewJobPartTracker([]tracker.ObjectEntry{
		{Name: "a", Parts: []tracker.PartSpec{{Number: 1, Length: 4}}},
		{Name: "a", Parts: []tracker.PartSpec{{Number: 1, Length: 5}}},
	})
	assert.True(t, errors.Is(err, errors.ErrDuplicatePart))
}

func TestJobPartTracker_AlreadyCompleteJob(t *testing.T) {
	job, err := tracker.NewJobPartTracker([]tracker.ObjectEntry{{Name: "a", Size: 4, Transferred: 4, Done: true}})
	require.NoError(t, err)
	assert.True(t, job.IsComplete())

	var fired int
	job.AttachJobCompletedListener(func() { fired++ })
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, job.JobCompletedListenerCount())

	empty, err := tracker.NewJobPartTracker(nil)
	require.NoError(t, err)
	assert.True(t, empty.IsComplete())
}
