// engined — the unified exchange-adapter engine daemon.
//
// Architecture:
//
//	main.go                — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go       — orchestrator: owns markets, caches, tiers; wires every subsystem
//	capmatrix/capmatrix.go — per-venue capability matrix with four-layer merge
//	venue/venue.go         — adapter interface + Base defaults; generic.go is the reference venue
//	candles/refresh.go     — candle cache refresh: cached / websocket / REST / backfill arbitration
//	trades/paginate.go     — public-trade history with time- and id-based pagination dialects
//	orders/manager.go      — order lifecycle: placement sanitation, stops, emulated queries
//	orders/dryrun.go       — simulated execution from an in-memory open-orders map
//	pricing/rate.go        — entry/exit rate selection with order book and ticker sources
//	leverage/tiers.go      — leverage tiers, max-leverage scan, liquidation estimate
//	funding/funding.go     — funding-fee accounting, live and simulated
//	ws/feed.go             — candle push feed with auto-reconnect
//	store/store.go         — crash-safe JSON sidecars (trade caches, leverage tiers)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exchange-engine/internal/config"
	"exchange-engine/internal/engine"
	"exchange-engine/internal/venue"
	"exchange-engine/internal/ws"
)

func main() {
	cfgPath := "configs/engine.yaml"
	if p := os.Getenv("XC_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	adapter, err := venue.Resolve(cfg.Exchange.Name, cfg.Exchange.BaseURL)
	if err != nil {
		logger.Error("failed to resolve exchange", "error", err)
		os.Exit(1)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	var push *ws.Feed
	if cfg.Candles.UseWebsocket && cfg.Exchange.WSUrl != "" {
		push = ws.NewFeed(cfg.Exchange.WSUrl, venue.GenericWSDialect{}, logger)
		go func() {
			if err := push.Run(runCtx); err != nil && runCtx.Err() == nil {
				logger.Error("push feed stopped", "error", err)
			}
		}()
	}

	eng, err := engine.New(*cfg, adapter, pusherOrNil(push), logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	// Prometheus scrape endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9127", mux); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("exchange engine started",
		"exchange", cfg.Exchange.Name,
		"pairs", len(cfg.Candles.Pairs),
		"timeframe", cfg.Candles.Timeframe,
		"dry_run", cfg.DryRun,
		"metrics", fmt.Sprintf("http://localhost:%d/metrics", 9127),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	runCancel()
	eng.Close()
}

// pusherOrNil avoids handing the engine a typed-nil push feed.
func pusherOrNil(push *ws.Feed) venue.Pusher {
	if push == nil {
		return nil
	}
	return push
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
