package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbd888/regshield/internal/backend"
)

func newAdminCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Backend risk administration",
	}
	cmd.AddCommand(newShiftThresholdCmd(g), newWeightedRiskCmd(g))
	return cmd
}

func newShiftThresholdCmd(g *globals) *cobra.Command {
	var threshold float64

	cmd := &cobra.Command{
		Use:   "shift-threshold",
		Short: "Move the flagging threshold and list newly flagged accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if threshold < 0 || threshold > 100 {
				return fmt.Errorf("--value must be between 0 and 100")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			out, err := g.client(cmd).ShiftThreshold(ctx, threshold)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Threshold %.1f: %d newly flagged account(s)\n", threshold, out.Count)
			if len(out.NewlyFlaggedAccounts) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", strings.Join(out.NewlyFlaggedAccounts, ", "))
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&threshold, "value", 0, "new threshold (0-100)")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func newWeightedRiskCmd(g *globals) *cobra.Command {
	var p backend.WeightedRiskParams

	cmd := &cobra.Command{
		Use:   "weighted-risk",
		Short: "Recompute one account's weighted risk score",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			out, err := g.client(cmd).ApplyWeightedRisk(ctx, p)
			if backend.IsAccountNotFound(err) {
				return fmt.Errorf("account %s not found", p.AccountID)
			}
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: risk score %.1f (%s)\n", p.AccountID, out.RiskScore, out.Status)
			if out.Message != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", out.Message)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&p.AccountID, "account", "", "account id")
	f.Float64Var(&p.Velocity, "velocity", 0, "transfer velocity factor")
	f.Float64Var(&p.GeoEntropy, "geo-entropy", 0, "geographic entropy factor")
	f.IntVar(&p.HopsToBlacklist, "hops", 0, "graph hops to the nearest blacklisted account")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
