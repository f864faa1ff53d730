// Command bot runs the two-sided arbitrage engine: it loads configuration,
// constructs the engine (which restores open positions and the settlement
// queue from the store), starts every background loop, and waits for an
// interrupt to drive an ordered shutdown.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	engine/engine.go        — orchestrator: wires everything together, owns the scan/evaluate loop
//	arbitrage/detector.go   — spread detection over tracked book state
//	risk/gate.go            — admission rules: blackout, circuit breaker, dedup, window budget
//	risk/circuit_breaker.go — multi-level safety state machine
//	sizer/sizer.go          — equal-share budget sizing with liquidity capping
//	executor/executor.go    — parallel dual-leg FOK execution
//	position/manager.go     — open-position tracking and rebalancing
//	settlement/settlement.go— durable claim queue with backoff retry
//	market/finder.go        — slot-aligned market enumeration
//	market/tracker.go       — per-market order-book mirror fed by the market WS
//	exchange/client.go      — REST client for the CLOB API (place/cancel orders, fetch book)
//	exchange/auth.go        — L1 (EIP-712) and L2 (HMAC) authentication
//	exchange/ws.go          — WebSocket feeds (market data + user fills) with auto-reconnect
//	store/store.go          — sqlite persistence for trades, settlement queue, circuit breaker state
//
// How it makes money:
//
//	The engine buys matched YES and NO share counts whenever their combined
//	ask price is strictly below $1.00, locking in the difference as a
//	risk-free profit at market resolution. No directional or predictive
//	signal is used; every entry is a pure cross-outcome arbitrage.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polyarb/internal/config"
	"polyarb/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("arbitrage engine started",
		"assets", cfg.Arb.Assets,
		"min_spread_usd", cfg.Arb.MinSpreadUSD,
		"max_trade_size_usd", cfg.Arb.MaxTradeSizeUSD,
		"dry_run", cfg.DryRun,
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	// A second interrupt forces immediate exit rather than waiting on
	// in-flight executions and loop teardown.
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		eng.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-forceCh:
		logger.Warn("second interrupt received, forcing exit")
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
