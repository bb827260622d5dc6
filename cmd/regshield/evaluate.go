package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/regshield/internal/chain"
	"github.com/mbd888/regshield/internal/evaluation"
	"github.com/mbd888/regshield/internal/layout"
)

func newEvaluateCmd(g *globals) *cobra.Command {
	var req evaluation.Request

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score one transaction",
		Example: "  regshield evaluate --id TX-1001 --sender ACC-1 --receiver ACC-2 --amount 9500\n" +
			"  regshield evaluate --id TX-1002 --sender ACC-2 --receiver ACC-1 --amount 120 --currency EUR --json",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Timestamp == "" {
				req.Timestamp = time.Now().UTC().Format(time.RFC3339)
			}
			if err := req.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			res, err := g.client(cmd).Evaluate(ctx, req)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			writeResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.TransactionID, "id", "", "transaction id")
	f.StringVar(&req.SenderAccountID, "sender", "", "sender account id")
	f.StringVar(&req.ReceiverAccountID, "receiver", "", "receiver account id")
	f.Float64Var(&req.Amount, "amount", 0, "transfer amount")
	f.StringVar(&req.Timestamp, "timestamp", "", "RFC 3339 transfer time (default now)")
	f.StringVar(&req.Currency, "currency", "", "currency code (backend default USD)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("receiver")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newVerifyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the integrity of the hash-chained ledger",
		Long:  "Verify the remote ledger. Exits non-zero unless the backend confirms the chain.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			resp, err := g.client(cmd).VerifyLedger(ctx)
			status, msg := chain.Classify(resp, err)
			if g.jsonOut {
				if err := printJSON(cmd.OutOrStdout(), chain.Snapshot{Status: status, Message: msg}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Ledger: %s\n", status)
				if msg != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", msg)
				}
			}
			if status != chain.StatusVerified {
				return fmt.Errorf("ledger %s", strings.ToLower(string(status)))
			}
			return nil
		},
	}
}

func writeResult(w io.Writer, r evaluation.Result) {
	fmt.Fprintf(w, "Transaction  %s\n", r.TransactionID)
	fmt.Fprintf(w, "Score        %.1f\n", r.TotalScore)
	fmt.Fprintf(w, "Decision     %s\n", r.Decision)
	if r.Timestamp != "" {
		fmt.Fprintf(w, "Timestamp    %s\n", r.Timestamp)
	}
	if rules := r.Rules(); len(rules) > 0 {
		fmt.Fprintf(w, "Rules        %s\n", strings.Join(rules, ", "))
	}
	if len(r.RiskBreakdown) > 0 {
		keys := make([]string, 0, len(r.RiskBreakdown))
		for k := range r.RiskBreakdown {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %-18s %.1f\n", k, r.RiskBreakdown[k])
		}
	}
	if r.HasCycle() {
		labels := make([]string, len(r.CyclePath))
		for i, id := range r.CyclePath {
			labels[i] = layout.Label(id)
		}
		fmt.Fprintf(w, "Cycle        %s\n", strings.Join(labels, " -> "))
	}
	if r.Provenance != nil {
		fmt.Fprintf(w, "Hash         %s\n", r.Provenance.CurrentHash)
		if r.Provenance.EthTxHash != "" {
			fmt.Fprintf(w, "Anchor       %s\n", r.Provenance.EthTxHash)
		}
	}
	if r.STRReportText != "" {
		fmt.Fprintf(w, "\n%s\n", r.STRReportText)
	} else if r.NeedsSTR() {
		fmt.Fprintf(w, "\nSTR required: regshield report %s\n", r.TransactionID)
	}
}
