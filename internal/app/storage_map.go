package app

import (
	"fmt"
	"strings"
	"time"

	"conductor/internal/config"
	"conductor/internal/storage"
)

// mapStorageConfig resolves the storage section. statePath (the --state
// flag) replaces the configured path.
func mapStorageConfig(sc config.StorageConfig, statePath string) (storage.Config, bool, error) {
	driver, err := storage.ParseDriver(sc.Driver)
	if err != nil {
		return storage.Config{}, false, fmt.Errorf("storage.driver: %w", err)
	}
	if driver == storage.DriverNone {
		return storage.Config{}, false, nil
	}

	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}
	if p := strings.TrimSpace(statePath); p != "" {
		out.Path = p
	}
	if out.Path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	if driver == storage.DriverSQLite {
		if out.BusyTimeout, err = config.ParseDuration("storage.busy_timeout", sc.BusyTimeout, time.Second); err != nil {
			return storage.Config{}, false, err
		}
	}
	return out, true, nil
}
