package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"

	logx "conductor/pkg/logx"
)

type ConfigManager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	log logx.Logger

	// hash of the last committed config; lets callers tell a reload from a no-op.
	lastHash uint64
}

// NewConfigManager reads from path. An empty path means "defaults only".
func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: strings.TrimSpace(path)}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

func (m *ConfigManager) Path() string { return m.path }

// Parse decodes the file on top of Default() and validates the result.
// YAML (.yaml/.yml) and JSON are accepted; unknown fields are errors.
// A missing file yields the defaults.
func (m *ConfigManager) Parse() (*Config, error) {
	cfg := Default()
	if m.path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		if !m.log.IsZero() {
			m.log.Debug("config file not found; using defaults", logx.String("path", m.path))
		}
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := decodeInto(m.path, b, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	return cfg, nil
}

func decodeInto(path string, b []byte, cfg *Config) error {
	jb, err := toJSON(path, b)
	if err != nil || jb == nil {
		return err
	}
	if bytes.Equal(bytes.TrimSpace(jb), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("invalid config: trailing data")
		}
		return err
	}
	return nil
}

// Commit installs cfg and reports whether its content differs from the
// previously committed one.
func (m *ConfigManager) Commit(cfg *Config) bool {
	h := hashConfig(cfg)
	m.mu.Lock()
	changed := h == 0 || h != m.lastHash
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()
	return changed
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}
