package task

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()
	tk := New(CodeGeneration, "write a parser")
	assert.Equal(t, DefaultPriority, tk.Priority)
	assert.NotNil(t, tk.Context)
	assert.Empty(t, tk.Context)
	assert.NotNil(t, tk.Files)
	assert.Empty(t, tk.ID)
	assert.False(t, tk.PlatformHint.Valid())
}

func TestOptionsCloneInputs(t *testing.T) {
	t.Parallel()
	ctx := map[string]any{"chain_id": "c1"}
	files := []string{"a.go"}
	tk := New(Research, "p", WithContext(ctx), WithFiles(files...))

	ctx["chain_id"] = "mutated"
	files[0] = "mutated.go"

	assert.Equal(t, "c1", tk.Context["chain_id"])
	assert.Equal(t, []string{"a.go"}, tk.Files)
}

func TestNewIDFormat(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 9, 23, 59, 0, 0, time.UTC)
	id := NewID(Gemini, now)
	assert.Regexp(t, regexp.MustCompile(`^gemini_20260309_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, NewID(Gemini, now))
}

func TestEnsureIDKeepsExisting(t *testing.T) {
	t.Parallel()
	tk := New(General, "p", WithID("fixed"))
	assert.Equal(t, "fixed", EnsureID(tk, ChatGPT, time.Now()).ID)

	fresh := EnsureID(New(General, "p"), ChatGPT, time.Now())
	assert.Contains(t, fresh.ID, "chatgpt_")
}

func TestParsePlatformAndType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Platform
	}{
		{"claude_code", ClaudeCode},
		{"Claude-Code", ClaudeCode},
		{"openai", ChatGPT},
		{"gemini", Gemini},
		{"", 0},
	}
	for _, tt := range tests {
		got, err := ParsePlatform(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
	_, err := ParsePlatform("mistral")
	assert.Error(t, err)

	for _, typ := range Types() {
		got, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
}

func TestEveryPlatformHasAName(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for _, p := range Platforms {
		require.True(t, p.Valid())
		require.NotEqual(t, "none", p.String())
		require.False(t, seen[p.String()], "duplicate name %s", p)
		seen[p.String()] = true
	}
}

func TestTaskJSONUsesNames(t *testing.T) {
	t.Parallel()
	tk := New(SQLWork, "select", WithPlatformHint(ChatGPT))
	b, err := json.Marshal(tk)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"sql_db_work"`)
	assert.Contains(t, string(b), `"platform_hint":"chatgpt"`)

	var back Task
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, ChatGPT, back.PlatformHint)
	assert.Equal(t, SQLWork, back.Type)
}

func TestAggregate(t *testing.T) {
	t.Parallel()
	tk := New(General, "p")
	results := []*Result{
		{Task: tk, Platform: Gemini, Success: true, Cost: 0.5, TokensUsed: 10, Duration: time.Second, Status: StatusCompleted},
		{Task: tk, Platform: Gemini, Success: false, Cost: 0.25, TokensUsed: 5, Duration: 2 * time.Second, Status: StatusFailed},
		{Task: tk, Platform: ClaudeCode, Success: true, TokensUsed: 1, Duration: time.Second, Status: StatusCompleted},
	}
	agg := Aggregate(results)
	assert.Equal(t, 2, agg.SuccessCount)
	assert.Equal(t, 1, agg.FailureCount)
	assert.InDelta(t, 0.75, agg.TotalCost, 1e-9)
	assert.Equal(t, 16, agg.TotalTokens)
	assert.Equal(t, 4*time.Second, agg.TotalDuration)
	assert.Len(t, agg.ByPlatform[Gemini], 2)
	assert.Len(t, agg.ByPlatform[ClaudeCode], 1)
	assert.InDelta(t, 2.0/3.0, agg.SuccessRate(), 1e-9)

	assert.Equal(t, 0.0, Aggregate(nil).SuccessRate())
}
