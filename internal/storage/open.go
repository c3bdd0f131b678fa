package storage

import (
	"errors"
	"fmt"
	"strings"

	logx "conductor/pkg/logx"
)

// Driver selects the snapshot backend.
type Driver string

const (
	DriverNone   Driver = "none"
	DriverFile   Driver = "file"
	DriverSQLite Driver = "sqlite"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// ParseDriver normalizes a configured driver name. Empty means DriverNone;
// "json" and "sqlite3" are accepted as aliases.
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return DriverNone, nil
	case "file", "json":
		return DriverFile, nil
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownDriver, s)
}

// Open returns the store for cfg, or (nil, nil) when persistence is off.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver, err := ParseDriver(string(cfg.Driver))
	if err != nil || driver == DriverNone {
		return nil, err
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage driver %s needs a path", driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", string(driver)))
	if driver == DriverSQLite {
		return openSQLite(cfg, log)
	}
	return openFile(cfg, log)
}
