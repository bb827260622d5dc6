package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/regshield/internal/config"
	"github.com/mbd888/regshield/internal/report"
)

func newReportCmd(g *globals) *cobra.Command {
	cfg := report.Config{
		InitialDelay: config.DefaultReportInitialDelay,
		RetryDelay:   config.DefaultReportRetryDelay,
		MaxRetries:   config.DefaultReportMaxRetries,
	}

	cmd := &cobra.Command{
		Use:   "report <transaction-id>",
		Short: "Fetch the STR report for a transaction, waiting while it is generated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			res := report.NewPoller(g.client(cmd), cfg, g.logger(cmd)).Poll(ctx, args[0])
			if g.jsonOut {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			}
			if !res.Ready() {
				return fmt.Errorf("report %s after %d attempt(s)", res.Status, res.Attempts)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.DurationVar(&cfg.InitialDelay, "initial-delay", cfg.InitialDelay, "wait before the first attempt")
	f.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "wait between attempts")
	f.IntVar(&cfg.MaxRetries, "retries", cfg.MaxRetries, "retries after the first attempt")
	return cmd
}
