package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/NamanBalaji/ds3bulk/internal/status"
)

const (
	jobsBucket     = "jobs"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

var (
	// ErrJobNotFound is returned when a job cannot be found
	ErrJobNotFound = errors.New("job not found")
	errEmptyID     = errors.New("job ID cannot be empty")
)

var _ Repository = (*BboltRepository)(nil)

// BboltRepository stores job records in a bbolt file.
type BboltRepository struct {
	db *bbolt.DB
}

// NewBboltRepository creates a new bbolt repository
func NewBboltRepository(dbPath string) (*BboltRepository, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &BboltRepository{
		db: db,
	}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// initialize sets up buckets and schema
func (r *BboltRepository) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(jobsBucket))
		if err != nil {
			return fmt.Errorf("failed to create jobs bucket: %w", err)
		}

		metadataBucket, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))
		err = metadataBucket.Put([]byte("schema_version"), versionBytes)
		if err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save persists a job record, replacing any previous record with the same ID.
func (r *BboltRepository) Save(record *JobRecord) error {
	if record == nil {
		return errors.New("cannot save nil job record")
	}

	if record.ID == uuid.Nil {
		return errEmptyID
	}

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := jobs(tx)
		if err != nil {
			return err
		}

		return put(bucket, record)
	})
}

// Find retrieves a job record by ID
func (r *BboltRepository) Find(id uuid.UUID) (*JobRecord, error) {
	if id == uuid.Nil {
		return nil, errEmptyID
	}

	var record *JobRecord
	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket, err := jobs(tx)
		if err != nil {
			return err
		}

		record, err = get(bucket, id)
		return err
	})

	if err != nil {
		return nil, err
	}

	return record, nil
}

// FindAll retrieves all job records
func (r *BboltRepository) FindAll() ([]*JobRecord, error) {
	var records []*JobRecord

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket, err := jobs(tx)
		if err != nil {
			return err
		}

		return bucket.ForEach(func(k, v []byte) error {
			record := &JobRecord{}

			if err := json.Unmarshal(v, record); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
			}

			records = append(records, record)
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return records, nil
}

// Delete removes a job record
func (r *BboltRepository) Delete(id uuid.UUID) error {
	if id == uuid.Nil {
		return errEmptyID
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := jobs(tx)
		if err != nil {
			return err
		}

		if bucket.Get([]byte(id.String())) == nil {
			return ErrJobNotFound
		}

		return bucket.Delete([]byte(id.String()))
	})
}

// MarkObjectCompleted appends name to the completed objects of a job.
// Marking the same object twice is a no-op.
func (r *BboltRepository) MarkObjectCompleted(id uuid.UUID, name string) error {
	return r.update(id, func(record *JobRecord) {
		if !record.IsObjectCompleted(name) {
			record.CompletedObjects = append(record.CompletedObjects, name)
		}
	})
}

// SetStatus updates the status of a job.
func (r *BboltRepository) SetStatus(id uuid.UUID, s status.Status) error {
	return r.update(id, func(record *JobRecord) {
		record.Status = s
	})
}

// Close closes the database
func (r *BboltRepository) Close() error {
	return r.db.Close()
}

func (r *BboltRepository) update(id uuid.UUID, mutate func(*JobRecord)) error {
	if id == uuid.Nil {
		return errEmptyID
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := jobs(tx)
		if err != nil {
			return err
		}

		record, err := get(bucket, id)
		if err != nil {
			return err
		}

		mutate(record)
		record.UpdatedAt = time.Now()

		return put(bucket, record)
	})
}

func jobs(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	bucket := tx.Bucket([]byte(jobsBucket))
	if bucket == nil {
		return nil, fmt.Errorf("bucket not found: %s", jobsBucket)
	}

	return bucket, nil
}

func get(bucket *bbolt.Bucket, id uuid.UUID) (*JobRecord, error) {
	data := bucket.Get([]byte(id.String()))
	if data == nil {
		return nil, ErrJobNotFound
	}

	record := &JobRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return record, nil
}

func put(bucket *bbolt.Bucket, record *JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := bucket.Put([]byte(record.ID.String()), data); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	return nil
}
