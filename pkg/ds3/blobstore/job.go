package blobstore

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/NamanBalaji/ds3bulk/pkg/ds3"
)

// jobState is the backend-side record of a bulk job.
type jobState struct {
	ID          uuid.UUID       `json:"id"`
	Bucket      string          `json:"bucket"`
	RequestType ds3.RequestType `json:"requestType"`
	Objects     []ds3.Object    `json:"objects"`
	Chunks      []ds3.Chunk     `json:"chunks"`
	// Done holds the transferred part numbers per object.
	Done map[string]map[int]bool `json:"done"`
	// Assembled marks put objects whose parts were joined into the object.
	Assembled map[string]bool `json:"assembled"`
	// NotReady is the number of not-ready answers left before the next round.
	NotReady int `json:"notReady"`
	// Cursor is the number of the last chunk handed out.
	Cursor    int       `json:"cursor"`
	CreatedAt time.Time `json:"createdAt"`
}

func newJobState(bucket string, requestType ds3.RequestType, objects []ds3.Object, chunks []ds3.Chunk, notReady int) *jobState {
	return &jobState{
		ID:          uuid.New(),
		Bucket:      bucket,
		RequestType: requestType,
		Objects:     objects,
		Chunks:      chunks,
		Done:        make(map[string]map[int]bool),
		Assembled:   make(map[string]bool),
		NotReady:    notReady,
		Cursor:      -1,
		CreatedAt:   time.Now(),
	}
}

// planChunks splits every object into parts of at most partSize bytes and
// groups consecutive parts into chunks of at most chunkParts parts.
func planChunks(objects []ds3.Object, partSize int64, chunkParts int) []ds3.Chunk {
	var (
		chunks  []ds3.Chunk
		current []ds3.Part
	)

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, ds3.Chunk{ID: uuid.New(), Number: len(chunks), Parts: current})
		current = nil
	}

	for _, obj := range objects {
		number := 1
		for offset := int64(0); offset < obj.Size || number == 1; offset += partSize {
			length := min(partSize, obj.Size-offset)
			current = append(current, ds3.Part{Object: obj.Name, Number: number, Offset: offset, Length: length})
			number++

			if len(current) >= chunkParts {
				flush()
			}
		}
	}
	flush()

	return chunks
}

func (j *jobState) hasPart(part ds3.Part) bool {
	for _, c := range j.Chunks {
		for _, p := range c.Parts {
			if p == part {
				return true
			}
		}
	}

	return false
}

func (j *jobState) partDone(object string, number int) bool {
	return j.Done[object][number]
}

func (j *jobState) markDone(object string, number int) {
	parts, ok := j.Done[object]
	if !ok {
		parts = make(map[int]bool)
		j.Done[object] = parts
	}

	parts[number] = true
}

func (j *jobState) unmarkDone(object string, number int) {
	delete(j.Done[object], number)
}

// partsOf returns the parts of an object ordered by number.
func (j *jobState) partsOf(object string) []ds3.Part {
	var parts []ds3.Part
	for _, c := range j.Chunks {
		for _, p := range c.Parts {
			if p.Object == object {
				parts = append(parts, p)
			}
		}
	}

	sort.Slice(parts, func(a, b int) bool { return parts[a].Number < parts[b].Number })

	return parts
}

func (j *jobState) objectDone(object string) bool {
	return lo.EveryBy(j.partsOf(object), func(p ds3.Part) bool {
		return j.partDone(p.Object, p.Number)
	})
}

// pending returns the chunks that still hold untransferred parts, keeping
// only those parts.
func (j *jobState) pending() []ds3.Chunk {
	return lo.FilterMap(j.Chunks, func(c ds3.Chunk, _ int) (ds3.Chunk, bool) {
		parts := lo.Reject(c.Parts, func(p ds3.Part, _ int) bool {
			return j.partDone(p.Object, p.Number)
		})

		return ds3.Chunk{ID: c.ID, Number: c.Number, Parts: parts}, len(parts) > 0
	})
}

func (j *jobState) complete() bool {
	return len(j.pending()) == 0
}

// nextRound returns up to limit pending chunks, starting after the last
// chunk handed out and wrapping around. A non-positive limit returns all.
func (j *jobState) nextRound(limit int) []ds3.Chunk {
	pending := j.pending()
	if len(pending) == 0 {
		return nil
	}

	start := sort.Search(len(pending), func(i int) bool { return pending[i].Number > j.Cursor })
	rotated := append(pending[start:len(pending):len(pending)], pending[:start]...)

	if limit > 0 && len(rotated) > limit {
		rotated = rotated[:limit]
	}

	j.Cursor = rotated[len(rotated)-1].Number

	return rotated
}

func (j *jobState) totalSize() int64 {
	return lo.SumBy(j.Objects, func(o ds3.Object) int64 { return o.Size })
}

func (j *jobState) completedSize() int64 {
	var size int64
	for _, c := range j.Chunks {
		for _, p := range c.Parts {
			if j.partDone(p.Object, p.Number) {
				size += p.Length
			}
		}
	}

	return size
}
