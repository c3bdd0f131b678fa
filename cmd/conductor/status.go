package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(c *cli) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show adapter readiness and quota usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}

			v := a.Validator()
			v.Refresh()
			rep := statusReport{
				Adapters:  v.ValidateAll(),
				Available: v.AvailablePlatforms(),
				Quota:     a.QuotaSummary(),
				PersistOK: true,
			}
			if perr := a.Quota().PersistErr(); perr != nil {
				rep.PersistOK = false
				rep.Persist = perr.Error()
			}

			if format == "json" {
				enc := json.NewEncoder(c.out)
				enc.SetIndent("", "  ")
				_ = enc.Encode(rep)
				return c.finish(a, nil)
			}
			renderValidation(c.out, rep.Adapters)
			fmt.Fprintln(c.out)
			renderQuota(c.out, rep.Quota, a.Quota().Thresholds())
			if !rep.PersistOK {
				fmt.Fprintf(c.out, "\n%s %s\n", yellow("persistence:"), rep.Persist)
			}
			return c.finish(a, nil)
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text|json")
	return cmd
}
