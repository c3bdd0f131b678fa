package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"conductor/internal/quota"
)

func newQuotaCommand(c *cli) *cobra.Command {
	var (
		format string
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show per-key quota usage",
		Long: `Show used, reserved and remaining units for every quota key, the next
reset time and which alert thresholds have fired.

With --watch the ledger is re-read whenever another conductor process saves
it, until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			thresholds := a.Quota().Thresholds()
			show := func(keys []quota.KeySummary) {
				if format == "json" {
					_ = json.NewEncoder(c.out).Encode(keys)
					return
				}
				if watch {
					fmt.Fprintln(c.out, gray(time.Now().Format(time.DateTime)))
				}
				renderQuota(c.out, keys, thresholds)
			}

			if !watch {
				show(a.QuotaSummary())
				return c.finish(a, nil)
			}
			err = a.WatchQuota(ctx, show)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return c.finish(a, err)
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text|json")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-print when the persisted ledger changes")
	return cmd
}
