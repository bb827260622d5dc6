package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/regshield/internal/config"
	"github.com/mbd888/regshield/internal/logging"
	"github.com/mbd888/regshield/internal/server"
)

func newServeCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard API, websocket feed and metrics endpoint",
		Long: "Run the dashboard server. Configuration comes from the environment " +
			"(and an optional .env file): BACKEND_URL, PORT, DATABASE_URL, NEO4J_URI, RPC_URL and friends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if port != "" {
				cfg.Port = port
			}

			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			logger.Info("starting regshield",
				"version", Version,
				"commit", Commit,
				"build_time", BuildTime,
				"env", cfg.Env,
			)

			srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides PORT)")
	return cmd
}
