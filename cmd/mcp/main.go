// RegShield MCP Server - exposes the monitoring session as MCP tools for LLMs
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/regshield/internal/anchor"
	"github.com/mbd888/regshield/internal/backend"
	"github.com/mbd888/regshield/internal/circuitbreaker"
	"github.com/mbd888/regshield/internal/config"
	"github.com/mbd888/regshield/internal/logging"
	"github.com/mbd888/regshield/internal/mcpserver"
	"github.com/mbd888/regshield/internal/monitor"
	"github.com/mbd888/regshield/internal/report"
	"github.com/mbd888/regshield/internal/session"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := backend.New(cfg.BackendURL, cfg.BackendTimeout,
		backend.WithBreaker(circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)),
		backend.WithLogger(logger),
	)

	// With DATABASE_URL and a shared SESSION_ID the tools see the same
	// history as the dashboard server.
	var store session.Store = session.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		store = session.NewPostgresStore(db)
	}

	anchors, err := anchor.Dial(ctx, cfg.RPCURL, logger)
	if err != nil {
		logger.Warn("anchor lookups disabled", "error", err)
		anchors = anchor.NewChecker(nil, logger)
	}
	defer anchors.Close()

	mcfg := monitor.DefaultConfig()
	mcfg.Report = report.Config{
		InitialDelay: cfg.ReportInitialDelay,
		RetryDelay:   cfg.ReportRetryDelay,
		MaxRetries:   cfg.ReportMaxRetries,
	}

	mon := monitor.New(client, session.New(cfg.SessionID, store, logger), mcfg, logger).WithAnchor(anchors)
	if err := mon.Open(ctx); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer mon.Close()

	logger.Info("mcp server starting", "backend", cfg.BackendURL, "session_id", mon.SessionID())
	return server.ServeStdio(mcpserver.NewMCPServer(mon, Version))
}
