package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conductor/internal/task"
	"conductor/internal/validator"
)

type submitFlags struct {
	prompt   string
	typ      string
	platform string
	chainID  string
	timeout  time.Duration
	priority int
	files    []string
	output   string
	format   string
	fallback bool
}

func newSubmitCommand(c *cli) *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Run one task",
		Long: `Run one task on the cheapest ready platform, retrying transient failures
and falling back to the next platform when one gives up.

Use --prompt - to read the prompt from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runSubmit(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.prompt, "prompt", "p", "", "task prompt (required; - reads stdin)")
	fl.StringVarP(&f.typ, "type", "t", "general", "task type (code_generation, research, ...)")
	fl.StringVar(&f.platform, "platform", "", "preferred platform (claude_code, chatgpt, gemini)")
	fl.StringVar(&f.chainID, "chain-id", "", "groups related tasks; stored in task context and metadata")
	fl.DurationVar(&f.timeout, "timeout", 0, "per-attempt timeout (default from orchestrator.default_timeout)")
	fl.IntVar(&f.priority, "priority", task.DefaultPriority, "priority, lower is more urgent")
	fl.StringSliceVar(&f.files, "file", nil, "file path forwarded with the task (repeatable)")
	fl.StringVarP(&f.output, "output", "o", "", "write the result as JSON to this file")
	fl.StringVar(&f.format, "format", "text", "stdout format: text|json")
	fl.BoolVar(&f.fallback, "fallback", true, "fall back to other platforms when one fails")
	return cmd
}

// taskSpec is the flag- or file-level description of one task.
type taskSpec struct {
	ID       string
	Prompt   string
	Type     string
	Platform string
	ChainID  string
	Timeout  time.Duration
	Priority int
	Files    []string
	Context  map[string]any
	Metadata map[string]any
}

func buildTask(s taskSpec) (task.Task, error) {
	if strings.TrimSpace(s.Prompt) == "" {
		return task.Task{}, usageErr("a prompt is required")
	}
	tt, err := task.ParseType(s.Type)
	if err != nil {
		return task.Task{}, usageErr("type: %v", err)
	}
	hint, err := task.ParsePlatform(s.Platform)
	if err != nil {
		return task.Task{}, usageErr("platform: %v", err)
	}
	if s.Timeout < 0 {
		return task.Task{}, usageErr("timeout must be >= 0")
	}
	ctx := maps.Clone(s.Context)
	md := maps.Clone(s.Metadata)
	if id := strings.TrimSpace(s.ChainID); id != "" {
		if ctx == nil {
			ctx = map[string]any{}
		}
		if md == nil {
			md = map[string]any{}
		}
		ctx["chain_id"] = id
		md["chain_id"] = id
	}
	opts := []task.Option{
		task.WithID(strings.TrimSpace(s.ID)),
		task.WithPlatformHint(hint),
		task.WithPriority(s.Priority),
		task.WithContext(ctx),
	}
	if len(s.Files) > 0 {
		opts = append(opts, task.WithFiles(s.Files...))
	}
	if len(md) > 0 {
		opts = append(opts, task.WithMetadata(md))
	}
	if s.Timeout > 0 {
		opts = append(opts, task.WithConstraints(task.Constraints{Timeout: s.Timeout}))
	}
	return task.New(tt, s.Prompt, opts...), nil
}

func readPrompt(p string, stdin io.Reader) (string, error) {
	if p != "-" {
		return p, nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	return string(b), nil
}

func (c *cli) runSubmit(cmd *cobra.Command, f submitFlags) error {
	if err := checkFormat(f.format); err != nil {
		return err
	}
	prompt, err := readPrompt(f.prompt, cmd.InOrStdin())
	if err != nil {
		return err
	}
	t, err := buildTask(taskSpec{
		Prompt:   prompt,
		Type:     f.typ,
		Platform: f.platform,
		ChainID:  f.chainID,
		Timeout:  f.timeout,
		Priority: f.priority,
		Files:    f.files,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := c.open(ctx)
	if err != nil {
		return err
	}

	var res *task.Result
	if ok, reason := validator.PreFlightCheck(t, a.Validator()); !ok {
		res = task.Failed(t, t.PlatformHint, "pre-flight: "+reason)
	} else {
		orch := a.Orchestrator()
		if f.fallback {
			res, err = orch.ExecuteWithFallback(ctx, t)
		} else {
			res, err = orch.ExecuteSingle(ctx, t)
		}
		if err != nil && res == nil {
			return c.finish(a, err)
		}
	}

	if f.output != "" {
		if werr := writeJSONFile(f.output, res); werr != nil {
			return c.finish(a, fmt.Errorf("write %s: %w", f.output, werr))
		}
	}
	if f.format == "json" {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
	} else {
		renderResult(c.out, res)
	}

	if !res.Success {
		err = errTasksFailed
	} else {
		err = nil
	}
	return c.finish(a, err)
}
