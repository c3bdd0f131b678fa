package validator

import (
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"conductor/internal/adapter"
	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

// Check reports whether one requirement is satisfied right now.
type Check func() bool

// Requirements maps a requirement name to its check.
type Requirements map[string]Check

// EnvRequirement is satisfied when the variable is set and non-empty.
func EnvRequirement(name string) Check {
	return func() bool { return strings.TrimSpace(os.Getenv(name)) != "" }
}

// BinaryRequirement is satisfied when bin resolves on PATH.
func BinaryRequirement(bin string) Check {
	return func() bool {
		_, err := exec.LookPath(bin)
		return err == nil
	}
}

// AnyOf is satisfied when at least one of checks is.
func AnyOf(checks ...Check) Check {
	return func() bool {
		for _, c := range checks {
			if c != nil && c() {
				return true
			}
		}
		return false
	}
}

// DefaultRequirements are the advisory checks for the built-in CLI backends.
func DefaultRequirements() map[task.Platform]Requirements {
	return map[task.Platform]Requirements{
		task.ClaudeCode: {"claude_cli": BinaryRequirement("claude")},
		task.ChatGPT: {
			"codex_cli_or_api_key": AnyOf(BinaryRequirement("codex"), EnvRequirement("OPENAI_API_KEY")),
		},
		task.Gemini: {
			"gemini_cli_or_api_key": AnyOf(BinaryRequirement("gemini"), EnvRequirement("GEMINI_API_KEY"), EnvRequirement("GOOGLE_API_KEY")),
		},
	}
}

// ValidationResult is the outcome of validating one platform's adapter.
type ValidationResult struct {
	AdapterName     string          `json:"adapter_name"`
	Platform        task.Platform   `json:"platform"`
	IsValid         bool            `json:"is_valid"`
	IsImplemented   bool            `json:"is_implemented"`
	Status          adapter.Status  `json:"status"`
	Message         string          `json:"message"`
	RequirementsMet map[string]bool `json:"requirements_met"`
	Timestamp       time.Time       `json:"timestamp"`
}

type Option func(*Validator)

// WithRequirements replaces the requirement set for p.
func WithRequirements(p task.Platform, reqs Requirements) Option {
	return func(v *Validator) { v.reqs[p] = reqs }
}

func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(v *Validator) {
		if !log.IsZero() {
			v.log = log
		}
	}
}

// Validator decides which adapters are safe to route to.
//
// Availability is cached at construction and on Refresh; IsReady re-checks a
// single adapter live and updates the cache.
type Validator struct {
	adapters adapter.Set
	reqs     map[task.Platform]Requirements
	now      func() time.Time
	log      logx.Logger

	mu        sync.RWMutex
	available map[task.Platform]struct{}
}

// New builds a validator over adapters. Requirements default to
// DefaultRequirements; pass WithRequirements(p, nil) to drop them.
func New(adapters adapter.Set, opts ...Option) *Validator {
	v := &Validator{
		adapters: adapters,
		reqs:     DefaultRequirements(),
		now:      time.Now,
		log:      logx.Nop(),
	}
	for _, o := range opts {
		o(v)
	}
	v.log = v.log.With(logx.String("comp", "validator"))
	v.Refresh()
	return v
}

// Refresh re-reads every adapter's implementation flag.
func (v *Validator) Refresh() {
	set := make(map[task.Platform]struct{}, len(v.adapters))
	for _, p := range task.Platforms {
		if a, ok := v.adapters.Get(p); ok && a.IsImplemented() {
			set[p] = struct{}{}
		}
	}
	v.mu.Lock()
	v.available = set
	v.mu.Unlock()
}

// ValidateAdapter combines the adapter's self-report with its requirements.
// It never fails; a missing adapter is reported as unavailable.
func (v *Validator) ValidateAdapter(p task.Platform) ValidationResult {
	res := ValidationResult{
		AdapterName:     p.String(),
		Platform:        p,
		Status:          adapter.StatusUnavailable,
		RequirementsMet: map[string]bool{},
		Timestamp:       v.now(),
	}
	a, ok := v.adapters.Get(p)
	if !ok {
		res.Message = "no adapter registered"
		return res
	}
	res.AdapterName = a.Name()
	res.IsImplemented = a.IsImplemented()
	res.Status = a.ImplementationStatus()

	var missing []string
	for name, check := range v.reqs[p] {
		met := check != nil && check()
		res.RequirementsMet[name] = met
		if !met {
			missing = append(missing, name)
		}
	}
	res.IsValid = res.IsImplemented && len(missing) == 0

	switch {
	case !res.IsImplemented:
		res.Message = fmt.Sprintf("adapter is %s", res.Status)
	case len(missing) > 0:
		slices.Sort(missing)
		res.Message = "missing requirements: " + strings.Join(missing, ", ")
	default:
		res.Message = "ready"
	}
	return res
}

// ValidateAll validates every known platform in declaration order.
func (v *Validator) ValidateAll() []ValidationResult {
	out := make([]ValidationResult, 0, len(task.Platforms))
	for _, p := range task.Platforms {
		out = append(out, v.ValidateAdapter(p))
	}
	return out
}

// AvailablePlatforms lists implemented platforms. Requirements are advisory
// and do not exclude a platform here.
func (v *Validator) AvailablePlatforms() []task.Platform {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]task.Platform, 0, len(v.available))
	for _, p := range task.Platforms {
		if _, ok := v.available[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// UnavailablePlatforms is the complement of AvailablePlatforms.
func (v *Validator) UnavailablePlatforms() []task.Platform {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []task.Platform
	for _, p := range task.Platforms {
		if _, ok := v.available[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func (v *Validator) IsPlatformAvailable(p task.Platform) bool {
	v.mu.RLock()
	_, ok := v.available[p]
	v.mu.RUnlock()
	return ok
}

// IsReady re-checks p immediately before invocation. A platform that stopped
// reporting itself implemented is dropped from the cache.
func (v *Validator) IsReady(p task.Platform) bool {
	a, ok := v.adapters.Get(p)
	ready := ok && a.IsImplemented()

	v.mu.Lock()
	_, was := v.available[p]
	if ready {
		v.available[p] = struct{}{}
	} else {
		delete(v.available, p)
	}
	v.mu.Unlock()

	if was && !ready {
		v.log.Warn("adapter no longer ready", logx.String("platform", p.String()))
	}
	return ready
}

// PreFlightCheck fails closed: it succeeds only if some platform is
// implemented and the task's hint, if any, is one of them.
func PreFlightCheck(t task.Task, v *Validator) (bool, string) {
	if v == nil {
		return false, "no adapter validator configured"
	}
	avail := v.AvailablePlatforms()
	if len(avail) == 0 {
		return false, fmt.Sprintf("no platform is implemented; stubs: %s", joinPlatforms(v.UnavailablePlatforms()))
	}
	if t.PlatformHint.Valid() && !v.IsPlatformAvailable(t.PlatformHint) {
		return false, fmt.Sprintf("requested platform %s is not implemented; available: %s", t.PlatformHint, joinPlatforms(avail))
	}
	return true, ""
}

func joinPlatforms(ps []task.Platform) string {
	if len(ps) == 0 {
		return "none"
	}
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.String()
	}
	return strings.Join(names, ", ")
}
