// RegShield - compliance monitoring client for the AML scoring backend
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/regshield/internal/backend"
	"github.com/mbd888/regshield/internal/circuitbreaker"
	"github.com/mbd888/regshield/internal/config"
	"github.com/mbd888/regshield/internal/logging"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// globals are the flags shared by every subcommand.
type globals struct {
	backendURL string
	timeout    time.Duration
	jsonOut    bool
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "regshield",
		Short:         "Monitor AML transaction scoring and ledger integrity",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.backendURL, "backend", envOr("BACKEND_URL", config.DefaultBackendURL), "scoring backend base URL")
	pf.DurationVar(&g.timeout, "timeout", config.DefaultBackendTimeout, "per-request timeout")
	pf.BoolVar(&g.jsonOut, "json", false, "print JSON instead of text")
	pf.StringVar(&g.logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(),
		newEvaluateCmd(g),
		newVerifyCmd(g),
		newStreamCmd(g),
		newTamperCmd(g),
		newReportCmd(g),
		newAdminCmd(g),
	)
	return root
}

func (g *globals) logger(cmd *cobra.Command) *slog.Logger {
	return logging.NewWithWriter(cmd.ErrOrStderr(), g.logLevel, "text")
}

func (g *globals) client(cmd *cobra.Command) *backend.Client {
	return backend.New(g.backendURL, g.timeout,
		backend.WithBreaker(circuitbreaker.New(config.DefaultBreakerThreshold, config.DefaultBreakerCooldown)),
		backend.WithLogger(g.logger(cmd)),
	)
}

// printJSON writes v indented, for --json.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
