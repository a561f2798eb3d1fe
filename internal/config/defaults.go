package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	workers                   = 8
	maxBlockAllocationRetries = 5
	maxObjectTransferAttempts = 3
	retryAfter                = 5 * time.Second
	retryDelay                = 1 * time.Second
	bandwidthLimit            = 0
	partSize                  = 64 << 20
	notReadyRounds            = 0
	storeRetryAfter           = 1 * time.Second
)

var (
	stateDB  = filepath.Join(xdg.DataHome, configFileName, "jobs.db")
	logFile  = filepath.Join(xdg.StateHome, configFileName, "ds3bulk.log")
	storeDir = filepath.Join(xdg.DataHome, configFileName, "store")
)
