package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/regshield/internal/stream"
)

func newStreamCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stream",
		Short: "Follow the backend's live evaluation feed until it completes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			client := g.client(cmd)
			consumer := stream.NewConsumer(stream.OpenerFunc(client.OpenStream), g.logger(cmd))
			// Ctrl-C cancels ctx, which stops the subscription.
			sub := consumer.Start(ctx)

			out := cmd.OutOrStdout()
			for ev := range sub.Events() {
				if g.jsonOut {
					if err := printJSON(out, ev); err != nil {
						return err
					}
					continue
				}
				switch ev.Kind {
				case stream.KindData:
					r := ev.Result
					fmt.Fprintf(out, "[%d/%d] %-14s %5.1f  %s\n",
						ev.Progress.Received, ev.Progress.Total, r.TransactionID, r.TotalScore, r.Decision)
				case stream.KindProgress:
					if ev.Message != "" {
						fmt.Fprintf(out, "! %s %s\n", ev.TransactionID, ev.Message)
					} else if ev.Progress.Total > 0 && ev.Progress.Received == 0 {
						fmt.Fprintf(out, "streaming %d transaction(s)\n", ev.Progress.Total)
					}
				case stream.KindTerminal:
					fmt.Fprintf(out, "stream %s (%d/%d)\n", ev.Status, ev.Progress.Received, ev.Progress.Total)
				}
			}
			<-sub.Done()

			if st := sub.Status(); st == stream.StatusError {
				return fmt.Errorf("stream ended with an error")
			}
			return nil
		},
	}
}
