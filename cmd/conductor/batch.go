package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	yaml "go.yaml.in/yaml/v3"

	"conductor/internal/orchestrator"
	"conductor/internal/task"
	"conductor/internal/validator"
	logx "conductor/pkg/logx"
)

// batchItem is one task in a batch input file.
type batchItem struct {
	ID       string         `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Type     string         `json:"type,omitempty" yaml:"type,omitempty"`
	Prompt   string         `json:"prompt" yaml:"prompt"`
	Platform string         `json:"platform,omitempty" yaml:"platform,omitempty"`
	ChainID  string         `json:"chain_id,omitempty" yaml:"chain_id,omitempty"`
	Timeout  string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Priority *int           `json:"priority,omitempty" yaml:"priority,omitempty"`
	Files    []string       `json:"files,omitempty" yaml:"files,omitempty"`
	Context  map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// batchFile accepts either a bare list or {"tasks": [...]}.
type batchFile struct {
	Tasks []batchItem `json:"tasks" yaml:"tasks"`
}

type batchFlags struct {
	input    string
	output   string
	format   string
	parallel int
	fallback bool
}

func newBatchCommand(c *cli) *cobra.Command {
	var f batchFlags
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run a list of tasks in parallel",
		Long: `Run every task from a JSON or YAML file concurrently. One task failing
never stops the others; the exit status is 1 if any task failed.

Input is a list of {prompt, type, platform, chain_id, timeout, priority, files}
objects, or an object with a "tasks" list. Use --input - for stdin (JSON or YAML).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runBatch(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.input, "input", "i", "", "task file (.json, .yaml, .yml; - for stdin)")
	fl.StringVarP(&f.output, "output", "o", "", "write results and summary as JSON to this file")
	fl.StringVar(&f.format, "format", "text", "stdout format: text|json")
	fl.IntVar(&f.parallel, "parallel", 0, "max concurrent tasks (default orchestrator.max_concurrent)")
	fl.BoolVar(&f.fallback, "fallback", true, "fall back to other platforms when one fails")
	return cmd
}

func readBatch(path string, stdin io.Reader) ([]task.Task, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, usageErr("read batch input: %v", err)
	}
	items, err := decodeBatch(path, b)
	if err != nil {
		return nil, usageErr("%s: %v", path, err)
	}
	if len(items) == 0 {
		return nil, usageErr("%s: no tasks", path)
	}
	tasks := make([]task.Task, 0, len(items))
	for i, it := range items {
		t, err := it.toTask()
		if err != nil {
			return nil, usageErr("%s: task %d: %v", path, i, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func decodeBatch(path string, b []byte) ([]batchItem, error) {
	trimmed := bytes.TrimSpace(b)
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" || (ext != ".yaml" && ext != ".yml" && len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{')) {
		var items []batchItem
		if trimmed[0] == '[' {
			dec := json.NewDecoder(bytes.NewReader(trimmed))
			dec.DisallowUnknownFields()
			return items, dec.Decode(&items)
		}
		var bf batchFile
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		return bf.Tasks, dec.Decode(&bf)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(b, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	if node.Content[0].Kind == yaml.SequenceNode {
		var items []batchItem
		return items, node.Content[0].Decode(&items)
	}
	var bf batchFile
	return bf.Tasks, node.Content[0].Decode(&bf)
}

func (it batchItem) toTask() (task.Task, error) {
	var timeout time.Duration
	if s := strings.TrimSpace(it.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return task.Task{}, fmt.Errorf("timeout: %w", err)
		}
		timeout = d
	}
	prio := task.DefaultPriority
	if it.Priority != nil {
		prio = *it.Priority
	}
	return buildTask(taskSpec{
		ID:       it.ID,
		Prompt:   it.Prompt,
		Type:     it.Type,
		Platform: it.Platform,
		ChainID:  it.ChainID,
		Timeout:  timeout,
		Priority: prio,
		Files:    it.Files,
		Context:  it.Context,
		Metadata: it.Metadata,
	})
}

func (c *cli) runBatch(cmd *cobra.Command, f batchFlags) error {
	if err := checkFormat(f.format); err != nil {
		return err
	}
	if strings.TrimSpace(f.input) == "" {
		return usageErr("--input is required")
	}
	if f.parallel < 0 {
		return usageErr("--parallel must be >= 0")
	}
	tasks, err := readBatch(f.input, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := c.open(ctx)
	if err != nil {
		return err
	}

	// Tasks that fail pre-flight are reported without being dispatched.
	results := make([]*task.Result, len(tasks))
	var (
		runnable []task.Task
		slots    []int
	)
	for i, t := range tasks {
		if ok, reason := validator.PreFlightCheck(t, a.Validator()); !ok {
			results[i] = task.Failed(t, t.PlatformHint, "pre-flight: "+reason)
			continue
		}
		runnable = append(runnable, t)
		slots = append(slots, i)
	}

	var opts []orchestrator.RunOption
	if f.parallel > 0 {
		opts = append(opts, orchestrator.WithMaxConcurrent(f.parallel))
	}
	start := time.Now()
	if len(runnable) > 0 {
		orch := a.Orchestrator()
		var agg task.AggregatedResult
		if f.fallback {
			agg = orch.ExecuteParallelWithFallback(ctx, runnable, opts...)
		} else {
			agg = orch.ExecuteParallel(ctx, runnable, opts...)
		}
		for j, r := range agg.Results {
			results[slots[j]] = r
		}
	}
	wall := time.Since(start)

	agg := task.Aggregate(results)
	report := batchReport{Results: results, Summary: summarize(agg, wall)}
	a.Log().Info("batch done",
		logx.Int("tasks", report.Summary.Total),
		logx.Int("failed", report.Summary.Failed),
		logx.Duration("wall", wall),
	)

	if f.output != "" {
		if werr := writeJSONFile(f.output, report); werr != nil {
			return c.finish(a, fmt.Errorf("write %s: %w", f.output, werr))
		}
	}
	if f.format == "json" {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		for _, r := range results {
			renderResult(c.out, r)
		}
		fmt.Fprintln(c.out)
		renderSummary(c.out, report.Summary)
	}

	if report.Summary.Failed > 0 {
		return c.finish(a, errTasksFailed)
	}
	return c.finish(a, nil)
}
