package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "ds3bulk"

// Config holds the configuration options for the application.
type Config struct {
	Workers                   int           `yaml:"workers,omitempty"`
	MaxBlockAllocationRetries int           `yaml:"maxBlockAllocationRetries,omitempty"`
	MaxObjectTransferAttempts int           `yaml:"maxObjectTransferAttempts,omitempty"`
	RetryAfter                time.Duration `yaml:"retryAfter,omitempty"`
	RetryDelay                time.Duration `yaml:"retryDelay,omitempty"`
	// BandwidthLimit caps the bytes per second moved by one job. Zero means unlimited.
	BandwidthLimit int          `yaml:"bandwidthLimit,omitempty"`
	StateDB        string       `yaml:"stateDb,omitempty"`
	LogFile        string       `yaml:"logFile,omitempty"`
	Store          *StoreConfig `yaml:"store,omitempty"`
}

// StoreConfig holds configuration options for the blob-backed object store.
type StoreConfig struct {
	Dir            string        `yaml:"dir,omitempty"`
	PartSize       int64         `yaml:"partSize,omitempty"`
	NotReadyRounds int           `yaml:"notReadyRounds,omitempty"`
	RetryAfter     time.Duration `yaml:"retryAfter,omitempty"`
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it returns the default configuration.
func GetConfig() (*Config, error) {
	return Load(filepath.Join(xdg.ConfigHome, configFileName))
}

// Load reads the configuration from path.
func Load(path string) (*Config, error) {
	defaults := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	storeCfg := zeroOr(cfg.Store, defaults.Store)

	return &Config{
		Workers:                   zeroOr(cfg.Workers, defaults.Workers),
		MaxBlockAllocationRetries: zeroOr(cfg.MaxBlockAllocationRetries, defaults.MaxBlockAllocationRetries),
		MaxObjectTransferAttempts: zeroOr(cfg.MaxObjectTransferAttempts, defaults.MaxObjectTransferAttempts),
		RetryAfter:                zeroOr(cfg.RetryAfter, defaults.RetryAfter),
		RetryDelay:                zeroOr(cfg.RetryDelay, defaults.RetryDelay),
		BandwidthLimit:            zeroOr(cfg.BandwidthLimit, defaults.BandwidthLimit),
		StateDB:                   zeroOr(cfg.StateDB, defaults.StateDB),
		LogFile:                   zeroOr(cfg.LogFile, defaults.LogFile),
		Store: &StoreConfig{
			Dir:            zeroOr(storeCfg.Dir, defaults.Store.Dir),
			PartSize:       zeroOr(storeCfg.PartSize, defaults.Store.PartSize),
			NotReadyRounds: zeroOr(storeCfg.NotReadyRounds, defaults.Store.NotReadyRounds),
			RetryAfter:     zeroOr(storeCfg.RetryAfter, defaults.Store.RetryAfter),
		},
	}, nil
}

func DefaultConfig() Config {
	return Config{
		Workers:                   workers,
		MaxBlockAllocationRetries: maxBlockAllocationRetries,
		MaxObjectTransferAttempts: maxObjectTransferAttempts,
		RetryAfter:                retryAfter,
		RetryDelay:                retryDelay,
		BandwidthLimit:            bandwidthLimit,
		StateDB:                   stateDB,
		LogFile:                   logFile,
		Store: &StoreConfig{
			Dir:            storeDir,
			PartSize:       partSize,
			NotReadyRounds: notReadyRounds,
			RetryAfter:     storeRetryAfter,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
