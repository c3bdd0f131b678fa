package task

import (
	"fmt"
	"strings"
)

// Platform identifies one downstream execution backend.
//
// The zero value means "no platform" and is what an absent platform hint looks like.
type Platform int

const (
	ClaudeCode Platform = iota + 1
	ChatGPT
	Gemini

	platformEnd
)

// PlatformCount is the number of known platforms. Lookup tables keyed by
// Platform are sized with it so an added platform shows up as a table gap.
const PlatformCount = int(platformEnd) - 1

// Platforms lists every known platform in declaration order.
var Platforms = [PlatformCount]Platform{ClaudeCode, ChatGPT, Gemini}

var platformNames = [platformEnd]string{
	ClaudeCode: "claude_code",
	ChatGPT:    "chatgpt",
	Gemini:     "gemini",
}

func (p Platform) Valid() bool { return p > 0 && p < platformEnd }

func (p Platform) String() string {
	if !p.Valid() {
		return "none"
	}
	return platformNames[p]
}

func (p Platform) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return []byte(""), nil
	}
	return []byte(p.String()), nil
}

func (p *Platform) UnmarshalText(b []byte) error {
	v, err := ParsePlatform(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePlatform accepts the canonical name plus a few common aliases.
// An empty string parses to the zero Platform.
func ParsePlatform(s string) (Platform, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	switch key {
	case "":
		return 0, nil
	case "claude_code", "claude", "claudecode":
		return ClaudeCode, nil
	case "chatgpt", "openai", "codex":
		return ChatGPT, nil
	case "gemini", "google":
		return Gemini, nil
	}
	return 0, fmt.Errorf("unknown platform %q", s)
}

// Type is the kind of work a task represents; it drives the routing table.
type Type int

const (
	General Type = iota
	CodeGeneration
	Refactoring
	Debugging
	Testing
	CodeReview
	Documentation
	Research
	DataAnalysis
	SQLWork
	Planning

	typeEnd
)

// TypeCount is the number of known task types.
const TypeCount = int(typeEnd)

var typeNames = [TypeCount]string{
	General:        "general",
	CodeGeneration: "code_generation",
	Refactoring:    "refactoring",
	Debugging:      "debugging",
	Testing:        "testing",
	CodeReview:     "code_review",
	Documentation:  "documentation",
	Research:       "research",
	DataAnalysis:   "data_analysis",
	SQLWork:        "sql_db_work",
	Planning:       "planning",
}

// Types lists every task type in declaration order.
func Types() []Type {
	out := make([]Type, 0, TypeCount)
	for t := Type(0); t < typeEnd; t++ {
		out = append(out, t)
	}
	return out
}

func (t Type) Valid() bool { return t >= 0 && t < typeEnd }

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseType parses a task type name. Empty input yields General.
func ParseType(s string) (Type, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	if key == "" {
		return General, nil
	}
	for i, name := range typeNames {
		if name == key {
			return Type(i), nil
		}
	}
	switch key {
	case "code", "codegen":
		return CodeGeneration, nil
	case "sql", "db", "sql_work":
		return SQLWork, nil
	case "review":
		return CodeReview, nil
	case "docs":
		return Documentation, nil
	}
	return 0, fmt.Errorf("unknown task type %q", s)
}

// Status is the lifecycle state of one execution attempt.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusUnknown
)

var statusNames = [...]string{
	StatusPending:   "pending",
	StatusRunning:   "running",
	StatusCompleted: "completed",
	StatusFailed:    "failed",
	StatusCancelled: "cancelled",
	StatusUnknown:   "unknown",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	key := strings.ToLower(strings.TrimSpace(string(b)))
	for i, name := range statusNames {
		if name == key {
			*s = Status(i)
			return nil
		}
	}
	*s = StatusUnknown
	return nil
}
