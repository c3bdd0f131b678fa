package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// SnapshotVersion is written with every snapshot. It is informational only;
// loaders do not branch on it.
const SnapshotVersion = "1.0"

// Config configures storage. An empty Driver disables it.
type Config struct {
	Driver      Driver
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// LimitState is the persisted view of one quota key.
type LimitState struct {
	Limit     *int      `json:"limit"`
	Used      int       `json:"used"`
	Reserved  int       `json:"reserved"`
	ResetsAt  time.Time `json:"resets_at"`
	Unlimited bool      `json:"unlimited"`
}

// Snapshot is the whole persisted quota document.
type Snapshot struct {
	Limits      map[string]LimitState `json:"limits"`
	LastUpdated time.Time             `json:"last_updated"`
	Version     string                `json:"version"`
}

// Store is the persistence capability used by the quota tracker.
type Store interface {
	// Load returns (nil, nil) when there is no usable snapshot.
	Load(ctx context.Context) (*Snapshot, error)
	// Save replaces the snapshot atomically.
	Save(ctx context.Context, snap Snapshot) error
	// Clear deletes the snapshot.
	Clear(ctx context.Context) error
	Close() error
}
