package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"conductor/internal/app"
	"conductor/internal/config"
	logx "conductor/pkg/logx"
)

const (
	exitFailed = 1
	exitUsage  = 2
)

// errTasksFailed means the run completed but at least one task failed. The
// results have already been printed.
var errTasksFailed = errors.New("one or more tasks failed")

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErr(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	var ue *usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ue):
		return exitUsage
	case strings.HasPrefix(err.Error(), "unknown command"), strings.HasPrefix(err.Error(), "unknown flag"):
		return exitUsage
	default:
		return exitFailed
	}
}

// cli carries persistent flags and output streams across subcommands.
type cli struct {
	configPath  string
	logLevel    string
	statePath   string
	metricsFile string

	out    io.Writer
	errOut io.Writer

	// appHook lets tests adjust app options before New.
	appHook func(*app.Options)
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("CONDUCTOR_CONFIG")); p != "" {
		return p
	}
	return filepath.Join(config.StateDir(), "config.yaml")
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Route coding tasks across AI CLI backends under quota",
		Long: `conductor picks a backend (Claude Code, ChatGPT/Codex, Gemini) for each task,
runs it with retries and cross-platform fallback, and keeps a persistent
per-key usage ledger so free quota is spent before metered APIs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return &usageError{err: err} })

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", defaultConfigPath(), "config file (json or yaml); missing means defaults")
	pf.StringVar(&c.logLevel, "log-level", "", "override logging.level (trace|debug|info|warn|error)")
	pf.StringVar(&c.statePath, "state", "", "override the quota snapshot path")
	pf.StringVar(&c.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile after the run")

	root.AddCommand(
		newSubmitCommand(c),
		newBatchCommand(c),
		newStatusCommand(c),
		newQuotaCommand(c),
	)
	return root
}

// open builds the app. Config problems are usage errors.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	opt := app.Options{
		ConfigPath:  c.configPath,
		LogLevel:    c.logLevel,
		StatePath:   c.statePath,
		MetricsFile: c.metricsFile,
	}
	if c.appHook != nil {
		c.appHook(&opt)
	}
	a, err := app.New(ctx, opt)
	if err != nil {
		return nil, &usageError{err: err}
	}
	return a, nil
}

// finish writes metrics and closes the app, keeping the first error.
func (c *cli) finish(a *app.App, err error) error {
	if merr := a.WriteMetrics(); merr != nil {
		a.Log().Warn("metrics export failed", logx.String("path", a.MetricsFile()), logx.Err(merr))
	}
	if cerr := a.Close(context.Background()); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func checkFormat(f string) error {
	switch f {
	case "text", "json":
		return nil
	}
	return usageErr("--format must be text or json, got %q", f)
}
