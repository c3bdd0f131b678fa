package task

import (
	"maps"
	"slices"
	"time"
)

// DefaultPriority is used when a task is created without an explicit priority.
// Lower values are more urgent.
const DefaultPriority = 5

// Constraints are optional execution limits forwarded to the adapter.
type Constraints struct {
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Model       string        `json:"model,omitempty"`
}

// Task is an immutable work descriptor.
//
// Treat it as a value: the With* helpers return modified copies, and maps and
// slices are cloned on construction so a caller can't mutate a submitted task.
type Task struct {
	ID           string         `json:"task_id,omitempty"`
	Type         Type           `json:"type"`
	Prompt       string         `json:"prompt"`
	Context      map[string]any `json:"context"`
	PlatformHint Platform       `json:"platform_hint,omitempty"`
	Priority     int            `json:"priority"`
	Constraints  *Constraints   `json:"constraints,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Files        []string       `json:"files"`
}

type Option func(*Task)

func WithID(id string) Option            { return func(t *Task) { t.ID = id } }
func WithPlatformHint(p Platform) Option { return func(t *Task) { t.PlatformHint = p } }
func WithPriority(n int) Option          { return func(t *Task) { t.Priority = n } }
func WithFiles(files ...string) Option {
	return func(t *Task) { t.Files = append([]string{}, files...) }
}
func WithContext(ctx map[string]any) Option {
	return func(t *Task) { t.Context = maps.Clone(ctx) }
}
func WithMetadata(md map[string]any) Option {
	return func(t *Task) { t.Metadata = maps.Clone(md) }
}
func WithConstraints(c Constraints) Option {
	return func(t *Task) {
		cc := c
		if c.Temperature != nil {
			v := *c.Temperature
			cc.Temperature = &v
		}
		t.Constraints = &cc
	}
}

// New builds a task with construction defaults applied.
func New(typ Type, prompt string, opts ...Option) Task {
	t := Task{
		Type:     typ,
		Prompt:   prompt,
		Context:  map[string]any{},
		Priority: DefaultPriority,
		Files:    []string{},
	}
	for _, o := range opts {
		if o != nil {
			o(&t)
		}
	}
	if t.Context == nil {
		t.Context = map[string]any{}
	}
	if t.Files == nil {
		t.Files = []string{}
	}
	return t
}

// WithTaskID returns a copy carrying the given identity.
func (t Task) WithTaskID(id string) Task {
	t.ID = id
	return t
}

// Timeout returns the per-attempt timeout the task asks for, or 0.
func (t Task) Timeout() time.Duration {
	if t.Constraints == nil {
		return 0
	}
	return t.Constraints.Timeout
}

// Clone deep-copies the mutable containers.
func (t Task) Clone() Task {
	t.Context = maps.Clone(t.Context)
	t.Metadata = maps.Clone(t.Metadata)
	t.Files = slices.Clone(t.Files)
	if t.Constraints != nil {
		c := *t.Constraints
		t.Constraints = &c
	}
	return t
}
