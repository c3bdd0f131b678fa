package router

import (
	"conductor/internal/quota"
	"conductor/internal/task"
)

// Tier is one (platform, quota key, unit cost) bucket in cost order.
type Tier struct {
	Platform    task.Platform `json:"platform"`
	QuotaKey    string        `json:"quota_key"`
	CostPerUnit float64       `json:"cost_per_unit"`
}

// DefaultTiers: free CLI quota first, then subscription-included platforms,
// then metered APIs.
func DefaultTiers() []Tier {
	return []Tier{
		{Platform: task.Gemini, QuotaKey: quota.KeyGeminiCLI, CostPerUnit: 0},
		{Platform: task.ClaudeCode, QuotaKey: quota.KeyClaudeCode, CostPerUnit: 0},
		{Platform: task.ChatGPT, QuotaKey: quota.KeyChatGPTPlus, CostPerUnit: 0},
		{Platform: task.Gemini, QuotaKey: quota.KeyGeminiAPI, CostPerUnit: 0.00025},
		{Platform: task.ChatGPT, QuotaKey: quota.KeyOpenAIAPI, CostPerUnit: 0.002},
	}
}

// CostPriority orders platforms cheapest first.
var CostPriority = [task.PlatformCount]task.Platform{task.Gemini, task.ClaudeCode, task.ChatGPT}

// LastResort is returned by Route when nothing else qualifies but it is implemented.
const LastResort = task.ClaudeCode

var routingTable = [task.TypeCount][]task.Platform{
	task.General:        {task.ClaudeCode, task.ChatGPT, task.Gemini},
	task.CodeGeneration: {task.ClaudeCode, task.ChatGPT, task.Gemini},
	task.Refactoring:    {task.ClaudeCode, task.ChatGPT},
	task.Debugging:      {task.ClaudeCode, task.ChatGPT},
	task.Testing:        {task.ClaudeCode, task.Gemini},
	task.CodeReview:     {task.ClaudeCode, task.Gemini, task.ChatGPT},
	task.Documentation:  {task.Gemini, task.ChatGPT, task.ClaudeCode},
	task.Research:       {task.Gemini, task.ChatGPT},
	task.DataAnalysis:   {task.Gemini, task.ChatGPT},
	task.SQLWork:        {task.ClaudeCode, task.ChatGPT},
	task.Planning:       {task.ChatGPT, task.ClaudeCode, task.Gemini},
}

// Candidates returns the preferred platforms for a task type.
func Candidates(t task.Type) []task.Platform {
	if !t.Valid() {
		t = task.General
	}
	return append([]task.Platform(nil), routingTable[t]...)
}
