package bulk

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NamanBalaji/ds3bulk/internal/allocator"
	"github.com/NamanBalaji/ds3bulk/internal/config"
	"github.com/NamanBalaji/ds3bulk/internal/metrics"
	"github.com/NamanBalaji/ds3bulk/internal/repository"
	"github.com/NamanBalaji/ds3bulk/internal/transfer"
)

// Clock suspends a job between polls and retries.
type Clock = allocator.Clock

// JobStore persists job records so jobs can be recovered after a restart.
type JobStore = repository.Repository

// JobRecord is the persisted state of a job.
type JobRecord = repository.JobRecord

// BoltJobStore is a JobStore kept in a bbolt file.
type BoltJobStore = repository.BboltRepository

// OpenJobStore opens or creates a bbolt job store at path.
func OpenJobStore(path string) (*BoltJobStore, error) {
	return repository.NewBboltRepository(path)
}

type options struct {
	workers                   int
	maxBlockAllocationRetries int
	maxObjectTransferAttempts int
	retryAfter                time.Duration
	retryDelay                time.Duration
	bandwidthLimit            int
	clock                     Clock
	store                     JobStore
	metrics                   *metrics.Metrics
}

func defaultOptions() options {
	return options{
		workers:                   transfer.DefaultWorkers,
		maxBlockAllocationRetries: allocator.DefaultMaxRetries,
		maxObjectTransferAttempts: transfer.DefaultMaxAttempts,
		retryAfter:                allocator.DefaultRetryAfter,
		retryDelay:                transfer.DefaultRetryDelay,
		clock:                     allocator.SystemClock,
	}
}

// Option configures Helpers and the jobs they start.
type Option func(*options)

// WithWorkers sets how many parts of a job move concurrently.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithMaxBlockAllocationRetries sets how many not-ready answers are waited
// out before a job fails with ChunkAllocationExhaustedError.
func WithMaxBlockAllocationRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxBlockAllocationRetries = n
		}
	}
}

// WithMaxObjectTransferAttempts sets the total attempts per part.
func WithMaxObjectTransferAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxObjectTransferAttempts = n
		}
	}
}

// WithRetryAfter sets the allocation delay used when the backend gives none.
func WithRetryAfter(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryAfter = d
		}
	}
}

// WithRetryDelay sets the base of the backoff between part attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retryDelay = d
		}
	}
}

// WithBandwidthLimit caps the bytes per second moved by one job.
func WithBandwidthLimit(bytesPerSec int) Option {
	return func(o *options) {
		o.bandwidthLimit = bytesPerSec
	}
}

func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithStore records started jobs and completed objects in s.
func WithStore(s JobStore) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithMetrics registers the transfer metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.metrics = metrics.New(reg)
	}
}

// OptionsFromConfig maps the application configuration to options.
func OptionsFromConfig(cfg *config.Config) []Option {
	if cfg == nil {
		return nil
	}

	return []Option{
		WithWorkers(cfg.Workers),
		WithMaxBlockAllocationRetries(cfg.MaxBlockAllocationRetries),
		WithMaxObjectTransferAttempts(cfg.MaxObjectTransferAttempts),
		WithRetryAfter(cfg.RetryAfter),
		WithRetryDelay(cfg.RetryDelay),
		WithBandwidthLimit(cfg.BandwidthLimit),
	}
}
