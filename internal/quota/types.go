package quota

import (
	"time"

	"conductor/internal/task"
)

// Quota keys known to the default ledger.
const (
	KeyGeminiCLI   = "gemini_cli"
	KeyClaudeCode  = "claude_code"
	KeyChatGPTPlus = "chatgpt_plus"
	KeyGeminiAPI   = "gemini_api"
	KeyOpenAIAPI   = "openai_api"
)

// DailyReset is the default reset schedule: next UTC midnight.
const DailyReset = "@daily"

// DefaultThresholds are the alert percentages used when none are configured.
var DefaultThresholds = []int{50, 80, 90}

// KeyConfig is the code/config-defined shape of one ledger entry.
// Limit and Unlimited always come from here, never from a persisted snapshot.
type KeyConfig struct {
	Key string
	// Platform owns the key; alerts are labelled with it.
	Platform task.Platform
	// Limit is nil for unlimited keys.
	Limit *int
	// Reset is a cron spec evaluated in UTC. Empty means DailyReset.
	Reset string
}

func IntPtr(v int) *int { return &v }

// DefaultKeys is the static set of quota keys the tracker starts with.
func DefaultKeys() []KeyConfig {
	return []KeyConfig{
		{Key: KeyGeminiCLI, Platform: task.Gemini, Limit: IntPtr(1500), Reset: DailyReset},
		{Key: KeyClaudeCode, Platform: task.ClaudeCode, Reset: DailyReset},
		{Key: KeyChatGPTPlus, Platform: task.ChatGPT, Reset: DailyReset},
		{Key: KeyGeminiAPI, Platform: task.Gemini, Limit: IntPtr(1000), Reset: DailyReset},
		{Key: KeyOpenAIAPI, Platform: task.ChatGPT, Limit: IntPtr(500), Reset: DailyReset},
	}
}

// DefaultPlatformKeys maps each platform to the ledger its default access
// method bills against.
func DefaultPlatformKeys() map[task.Platform]string {
	return map[task.Platform]string{
		task.ClaudeCode: KeyClaudeCode,
		task.ChatGPT:    KeyChatGPTPlus,
		task.Gemini:     KeyGeminiCLI,
	}
}

// Limit is the live state of one quota key.
type Limit struct {
	Limit     *int
	Used      int
	Reserved  int
	ResetsAt  time.Time
	Unlimited bool
}

// Remaining is limit - used - reserved, floored at zero. Unlimited keys report -1.
func (l Limit) Remaining() int {
	if l.Unlimited || l.Limit == nil {
		return -1
	}
	r := *l.Limit - l.Used - l.Reserved
	if r < 0 {
		return 0
	}
	return r
}

// Alert is emitted when usage first crosses a threshold within a reset cycle.
type Alert struct {
	Platform     task.Platform `json:"platform,omitempty"`
	Key          string        `json:"key"`
	Threshold    int           `json:"threshold"`
	CurrentUsage int           `json:"current_usage"`
	Limit        int           `json:"limit"`
	Message      string        `json:"message"`
	Timestamp    time.Time     `json:"timestamp"`
}

// KeyStatus is a read-only view of one key for display.
type KeyStatus struct {
	Key       string    `json:"key"`
	Limit     *int      `json:"limit"`
	Used      int       `json:"used"`
	Reserved  int       `json:"reserved"`
	Remaining *int      `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
	Unlimited bool      `json:"unlimited"`
	Cost      float64   `json:"cost"`
}

// KeySummary extends KeyStatus with cycle-level alerting information.
type KeySummary struct {
	KeyStatus
	PercentUsed float64 `json:"percent_used"`
	Triggered   []int   `json:"alerts_triggered"`
}
