package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"conductor/internal/quota"
	"conductor/internal/task"
	"conductor/internal/validator"
)

// batchReport is the JSON shape written by --output and --format json.
type batchReport struct {
	Results []*task.Result `json:"results"`
	Summary summary        `json:"summary"`
}

type summary struct {
	Total         int                        `json:"total"`
	Succeeded     int                        `json:"succeeded"`
	Failed        int                        `json:"failed"`
	SuccessRate   float64                    `json:"success_rate"`
	TotalCost     float64                    `json:"total_cost"`
	TotalTokens   int                        `json:"total_tokens"`
	TotalDuration time.Duration              `json:"total_duration_ns"`
	Wall          time.Duration              `json:"wall_ns"`
	ByPlatform    map[string]platformSummary `json:"by_platform"`
}

type platformSummary struct {
	Count       int     `json:"count"`
	Succeeded   int     `json:"succeeded"`
	SuccessRate float64 `json:"success_rate"`
	Cost        float64 `json:"cost"`
}

func summarize(agg task.AggregatedResult, wall time.Duration) summary {
	s := summary{
		Total:         len(agg.Results),
		Succeeded:     agg.SuccessCount,
		Failed:        agg.FailureCount,
		SuccessRate:   agg.SuccessRate(),
		TotalCost:     agg.TotalCost,
		TotalTokens:   agg.TotalTokens,
		TotalDuration: agg.TotalDuration,
		Wall:          wall,
		ByPlatform:    map[string]platformSummary{},
	}
	for p, rs := range agg.ByPlatform {
		ps := platformSummary{Count: len(rs)}
		for _, r := range rs {
			if r.Success {
				ps.Succeeded++
			}
			ps.Cost += r.Cost
		}
		if ps.Count > 0 {
			ps.SuccessRate = float64(ps.Succeeded) / float64(ps.Count)
		}
		s.ByPlatform[platformLabel(p)] = ps
	}
	return s
}

// platformLabel names the zero platform "unrouted" for tasks that never reached an adapter.
func platformLabel(p task.Platform) string {
	if !p.Valid() {
		return "unrouted"
	}
	return p.String()
}

type statusReport struct {
	Adapters  []validator.ValidationResult `json:"adapters"`
	Available []task.Platform              `json:"available"`
	Quota     []quota.KeySummary           `json:"quota"`
	PersistOK bool                         `json:"persist_ok"`
	Persist   string                       `json:"persist_error,omitempty"`
}

func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
