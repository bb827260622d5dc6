package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/regshield/internal/chain"
)

func newTamperCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "tamper",
		Short: "Run the backend's tamper simulation and re-verify the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*g.timeout)
			defer cancel()

			client := g.client(cmd)
			ev, err := client.SimulateTamper(ctx)
			if err != nil {
				return err
			}
			resp, verr := client.VerifyLedger(ctx)
			status, msg := chain.Classify(resp, verr)

			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"event": ev,
					"chain": chain.Snapshot{Status: status, Message: msg},
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tampered record %s\n", ev.TransactionID)
			fmt.Fprintf(out, "  score   %.1f -> %.1f\n", ev.OriginalScore, ev.TamperedScore)
			fmt.Fprintf(out, "  amount  %.2f -> %.2f\n", ev.OriginalAmount, ev.TamperedAmount)
			fmt.Fprintf(out, "Ledger: %s\n", status)
			if msg != "" {
				fmt.Fprintf(out, "  %s\n", msg)
			}
			return nil
		},
	}
}
