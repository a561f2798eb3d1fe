package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/NamanBalaji/ds3bulk/internal/status"
	"github.com/NamanBalaji/ds3bulk/pkg/ds3"
)

// JobRecord is the locally persisted state of a bulk job, used to resume
// it after a restart.
type JobRecord struct {
	ID               uuid.UUID       `json:"id"`
	Bucket           string          `json:"bucket"`
	RequestType      ds3.RequestType `json:"requestType"`
	Objects          []ds3.Object    `json:"objects"`
	CompletedObjects []string        `json:"completedObjects"`
	Status           status.Status   `json:"status"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// IsObjectCompleted reports whether name was recorded as completed.
func (r *JobRecord) IsObjectCompleted(name string) bool {
	return lo.Contains(r.CompletedObjects, name)
}

type Repository interface {
	Save(record *JobRecord) error
	Find(id uuid.UUID) (*JobRecord, error)
	FindAll() ([]*JobRecord, error)
	Delete(id uuid.UUID) error
	MarkObjectCompleted(id uuid.UUID, name string) error
	SetStatus(id uuid.UUID, s status.Status) error
}
