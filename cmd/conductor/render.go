package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"

	"conductor/internal/adapter"
	"conductor/internal/quota"
	"conductor/internal/task"
	"conductor/internal/validator"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

const barWidth = 20

func roundDur(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(10 * time.Millisecond)
}

func renderResult(w io.Writer, r *task.Result) {
	if r == nil {
		fmt.Fprintln(w, red("✗ no result"))
		return
	}
	mark, state := green("✓"), green(r.Status.String())
	if !r.Success {
		mark, state = red("✗"), red(r.Status.String())
	}
	fmt.Fprintf(w, "%s %s  %s  %s  %s",
		mark, state, cyan(platformLabel(r.Platform)), gray("task "+r.Task.ID), gray(roundDur(r.Duration).String()))
	if r.Attempts > 1 {
		fmt.Fprintf(w, "  %s", yellow(fmt.Sprintf("attempts %d", r.Attempts)))
	}
	if len(r.PlatformsTried) > 1 {
		tried := make([]string, len(r.PlatformsTried))
		for i, p := range r.PlatformsTried {
			tried[i] = p.String()
		}
		fmt.Fprintf(w, "  %s", gray("via "+strings.Join(tried, " → ")))
	}
	fmt.Fprintln(w)
	if r.Error != "" {
		fmt.Fprintf(w, "  %s %s\n", red("error:"), r.Error)
	}
	if out := strings.TrimRight(r.Output, "\n"); out != "" {
		fmt.Fprintln(w, out)
	} else if r.PartialOutput != "" {
		fmt.Fprintf(w, "%s\n%s\n", gray("partial output:"), strings.TrimRight(r.PartialOutput, "\n"))
	}
}

func renderSummary(w io.Writer, s summary) {
	rate := fmt.Sprintf("%.1f%%", s.SuccessRate*100)
	switch {
	case s.Failed == 0:
		rate = green(rate)
	case s.Succeeded == 0:
		rate = red(rate)
	default:
		rate = yellow(rate)
	}
	fmt.Fprintf(w, "%s %d succeeded, %d failed (%s)  cost $%.4f  tokens %d  wall %s\n",
		bold(fmt.Sprintf("%d tasks:", s.Total)), s.Succeeded, s.Failed, rate, s.TotalCost, s.TotalTokens, roundDur(s.Wall))

	names := make([]string, 0, len(s.ByPlatform))
	for name := range s.ByPlatform {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		ps := s.ByPlatform[name]
		fmt.Fprintf(w, "  %-12s %3d  %6.1f%%  $%.4f\n", name, ps.Count, ps.SuccessRate*100, ps.Cost)
	}
}

func renderValidation(w io.Writer, results []validator.ValidationResult) {
	fmt.Fprintln(w, bold("ADAPTERS"))
	for _, r := range results {
		mark := green("✓")
		switch {
		case !r.IsImplemented:
			mark = red("✗")
		case !r.IsValid:
			mark = yellow("!")
		}
		fmt.Fprintf(w, "  %s %-12s %-12s %s\n", mark, r.Platform.String(), statusText(r.Status), gray(r.Message))
	}
}

func statusText(s adapter.Status) string {
	switch s {
	case adapter.StatusWorking:
		return green(s.String())
	case adapter.StatusPartial:
		return yellow(s.String())
	default:
		return red(s.String())
	}
}

// renderQuota draws one line per key. Bars turn yellow at the first alert
// threshold and red at the last.
func renderQuota(w io.Writer, keys []quota.KeySummary, thresholds []int) {
	fmt.Fprintln(w, bold("QUOTA"))
	for _, k := range keys {
		if k.Unlimited || k.Limit == nil {
			fmt.Fprintf(w, "  %-14s %s  used %d\n", k.Key, gray(fmt.Sprintf("%-*s", barWidth+2, "unlimited")), k.Used)
			continue
		}
		line := fmt.Sprintf("  %-14s %s %5.1f%%  %d/%d", k.Key, bar(k.PercentUsed, thresholds), k.PercentUsed, k.Used, *k.Limit)
		if k.Reserved > 0 {
			line += gray(fmt.Sprintf(" (+%d reserved)", k.Reserved))
		}
		line += gray("  resets " + k.ResetsAt.UTC().Format("2006-01-02 15:04 MST"))
		if len(k.Triggered) > 0 {
			marks := make([]string, len(k.Triggered))
			for i, th := range k.Triggered {
				marks[i] = fmt.Sprintf("%d%%", th)
			}
			line += "  " + yellow("alerts "+strings.Join(marks, ","))
		}
		fmt.Fprintln(w, line)
	}
}

func bar(pct float64, thresholds []int) string {
	filled := int(pct / 100 * barWidth)
	filled = max(0, min(barWidth, filled))
	s := "[" + strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled) + "]"
	paint := green
	if n := len(thresholds); n > 0 {
		switch {
		case pct >= float64(thresholds[n-1]):
			paint = red
		case pct >= float64(thresholds[0]):
			paint = yellow
		}
	}
	return paint(s)
}
