package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"conductor/internal/quota"
	"conductor/internal/storage"
	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

// Config is the on-disk configuration. Every section is optional; Default()
// fills in a usable setup and a file only has to name what it changes.
//
// Example (YAML):
//
//	orchestrator:
//	  max_concurrent: 3
//	  rate_per_sec: { gemini: 2 }
//	quota:
//	  keys:
//	    gemini_cli: { limit: 500 }
//	platforms:
//	  claude_code: { command: claude, args: ["-p"], prompt_arg: true }
type Config struct {
	Logging      LoggingConfig             `json:"logging"`
	Storage      StorageConfig             `json:"storage"`
	Orchestrator OrchestratorConfig        `json:"orchestrator"`
	Quota        QuotaConfig               `json:"quota"`
	Platforms    map[string]PlatformConfig `json:"platforms,omitempty"`
	Metrics      MetricsConfig             `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls where the quota snapshot lives.
//
//	"storage": { "driver": "sqlite", "path": "./quota.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type OrchestratorConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	// MaxRetries is a pointer so an explicit 0 disables retries.
	MaxRetries     *int   `json:"max_retries,omitempty"`
	BaseDelay      string `json:"base_delay,omitempty"`
	MaxDelay       string `json:"max_delay,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// RatePerSec is keyed by platform name.
	RatePerSec map[string]float64 `json:"rate_per_sec,omitempty"`
	RateBurst  int                `json:"rate_burst,omitempty"`
}

type QuotaConfig struct {
	// Thresholds are alert percentages in (0,100].
	Thresholds []int `json:"thresholds,omitempty"`
	// Keys override or extend the built-in ledger entries.
	Keys map[string]QuotaKeyConfig `json:"keys,omitempty"`
	// PlatformKeys rebinds a platform to the key its default access method bills.
	PlatformKeys map[string]string `json:"platform_keys,omitempty"`
}

type QuotaKeyConfig struct {
	// Platform is required for keys that are not built in.
	Platform  string `json:"platform,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
	Unlimited bool   `json:"unlimited,omitempty"`
	// Reset is a cron spec in UTC, e.g. "@daily" or "0 0 1 * *".
	Reset string `json:"reset,omitempty"`
}

// PlatformConfig binds a platform to a CLI backend. A platform without a
// command (or with enabled: false) gets a stub adapter.
type PlatformConfig struct {
	Enabled      *bool             `json:"enabled,omitempty"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Dir          string            `json:"dir,omitempty"`
	PromptArg    bool              `json:"prompt_arg,omitempty"`
	CostPerCall  float64           `json:"cost_per_call,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// IsEnabled reports whether the platform should get a real adapter.
func (p PlatformConfig) IsEnabled() bool {
	if p.Enabled != nil && !*p.Enabled {
		return false
	}
	return strings.TrimSpace(p.Command) != ""
}

type MetricsConfig struct {
	// Textfile, when set, receives the Prometheus registry after each run.
	Textfile string `json:"textfile,omitempty"`
}

// StateDir is where the default snapshot lives.
func StateDir() string {
	if d, err := os.UserConfigDir(); err == nil && d != "" {
		return filepath.Join(d, "conductor")
	}
	return ".conductor"
}

// Default returns a configuration that works without any file: console
// logging, a JSON snapshot under StateDir, built-in quota keys and the
// usual CLI backends.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{
			Driver: "file",
			Path:   filepath.Join(StateDir(), "quota_state.json"),
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:  5,
			MaxRetries:     quota.IntPtr(3),
			BaseDelay:      "1s",
			MaxDelay:       "1m",
			DefaultTimeout: "300s",
			RateBurst:      1,
		},
		Quota: QuotaConfig{Thresholds: append([]int(nil), quota.DefaultThresholds...)},
		Platforms: map[string]PlatformConfig{
			task.ClaudeCode.String(): {
				Command:      "claude",
				Args:         []string{"-p"},
				PromptArg:    true,
				Capabilities: []string{"code_generation", "refactoring", "debugging"},
			},
			task.Gemini.String(): {
				Command:      "gemini",
				Args:         []string{"-p"},
				PromptArg:    true,
				Capabilities: []string{"research", "architecture", "documentation"},
			},
			task.ChatGPT.String(): {
				Command:      "codex",
				Args:         []string{"exec"},
				PromptArg:    true,
				Capabilities: []string{"code_generation", "testing", "code_review"},
			},
		},
	}
}

// ParsePlatformName is task.ParsePlatform without the empty-means-none case.
func ParsePlatformName(name string) (task.Platform, error) {
	p, err := task.ParsePlatform(name)
	if err != nil {
		return 0, err
	}
	if !p.Valid() {
		return 0, fmt.Errorf("unknown platform %q", name)
	}
	return p, nil
}

// Validate checks cross-field rules the JSON decoder can't express.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := logx.ParseLevel(cfg.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path: required when the file sink is enabled")
	}
	if _, err := storage.ParseDriver(cfg.Storage.Driver); err != nil {
		add("storage.driver: %v", err)
	}
	if _, err := ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
		errs = append(errs, err)
	}

	o := cfg.Orchestrator
	if o.MaxConcurrent < 0 {
		add("orchestrator.max_concurrent: must be >= 0")
	}
	if o.MaxRetries != nil && *o.MaxRetries < 0 {
		add("orchestrator.max_retries: must be >= 0")
	}
	for path, raw := range map[string]string{
		"orchestrator.base_delay":      o.BaseDelay,
		"orchestrator.max_delay":       o.MaxDelay,
		"orchestrator.default_timeout": o.DefaultTimeout,
	} {
		if _, err := ParseDuration(path, raw, 0); err != nil {
			errs = append(errs, err)
		}
	}
	for name, r := range o.RatePerSec {
		if _, err := ParsePlatformName(name); err != nil {
			add("orchestrator.rate_per_sec.%s: %v", name, err)
		}
		if r < 0 {
			add("orchestrator.rate_per_sec.%s: must be >= 0", name)
		}
	}

	for _, th := range cfg.Quota.Thresholds {
		if th <= 0 || th > 100 {
			add("quota.thresholds: %d is outside (0,100]", th)
		}
	}
	builtin := map[string]bool{}
	for _, k := range quota.DefaultKeys() {
		builtin[k.Key] = true
	}
	for key, kc := range cfg.Quota.Keys {
		path := "quota.keys." + key
		if kc.Platform == "" {
			if !builtin[key] {
				add("%s: unknown quota key (set platform to add one)", path)
			}
		} else if _, err := ParsePlatformName(kc.Platform); err != nil {
			add("%s.platform: %v", path, err)
		}
		if kc.Limit != nil && *kc.Limit < 0 {
			add("%s.limit: must be >= 0", path)
		}
		if kc.Limit != nil && kc.Unlimited {
			add("%s: limit and unlimited are exclusive", path)
		}
		if kc.Reset != "" {
			if _, err := quota.ParseSchedule(kc.Reset); err != nil {
				add("%s.reset: %v", path, err)
			}
		}
	}
	for name, key := range cfg.Quota.PlatformKeys {
		if _, err := ParsePlatformName(name); err != nil {
			add("quota.platform_keys.%s: %v", name, err)
		}
		if _, ok := cfg.Quota.Keys[key]; !ok && !builtin[key] {
			add("quota.platform_keys.%s: unknown quota key %q", name, key)
		}
	}

	for name, pc := range cfg.Platforms {
		if _, err := ParsePlatformName(name); err != nil {
			add("platforms.%s: %v", name, err)
		}
		if pc.CostPerCall < 0 {
			add("platforms.%s.cost_per_call: must be >= 0", name)
		}
	}
	return errors.Join(errs...)
}
