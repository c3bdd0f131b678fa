package task

import (
	"time"
)

// Result is the outcome of one execution attempt that reached a terminal state.
type Result struct {
	Task          Task          `json:"task"`
	Platform      Platform      `json:"platform"`
	Output        string        `json:"output"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	Cost          float64       `json:"cost"`
	TokensUsed    int           `json:"tokens_used"`
	Duration      time.Duration `json:"duration"`
	Status        Status        `json:"status"`
	FilesCreated  []string      `json:"files_created,omitempty"`
	PartialOutput string        `json:"partial_output,omitempty"`

	// Attempts counts every try (retries and fallbacks) that led to this result.
	Attempts       int        `json:"attempts,omitempty"`
	PlatformsTried []Platform `json:"platforms_tried,omitempty"`
}

// Failed builds a failed result for t.
func Failed(t Task, p Platform, msg string) *Result {
	return &Result{
		Task:     t,
		Platform: p,
		Success:  false,
		Error:    msg,
		Status:   StatusFailed,
	}
}

// Cancelled builds a cancelled result, keeping whatever output was captured.
func Cancelled(t Task, p Platform, msg, partial string) *Result {
	return &Result{
		Task:          t,
		Platform:      p,
		Success:       false,
		Error:         msg,
		Status:        StatusCancelled,
		PartialOutput: partial,
	}
}

// AggregatedResult summarises a batch of results. It is derived and never persisted.
type AggregatedResult struct {
	Results       []*Result
	TotalCost     float64
	TotalTokens   int
	TotalDuration time.Duration
	SuccessCount  int
	FailureCount  int
	ByPlatform    map[Platform][]*Result
}

// Aggregate sums cost/tokens/duration and buckets results by platform.
// A nil entry counts as a failure.
func Aggregate(results []*Result) AggregatedResult {
	agg := AggregatedResult{
		Results:    results,
		ByPlatform: map[Platform][]*Result{},
	}
	for _, r := range results {
		if r == nil {
			agg.FailureCount++
			continue
		}
		agg.TotalCost += r.Cost
		agg.TotalTokens += r.TokensUsed
		agg.TotalDuration += r.Duration
		if r.Success {
			agg.SuccessCount++
		} else {
			agg.FailureCount++
		}
		agg.ByPlatform[r.Platform] = append(agg.ByPlatform[r.Platform], r)
	}
	return agg
}

// SuccessRate is in [0,1]; an empty batch reports 0.
func (a AggregatedResult) SuccessRate() float64 {
	total := a.SuccessCount + a.FailureCount
	if total == 0 {
		return 0
	}
	return float64(a.SuccessCount) / float64(total)
}
