// Portfolio Risk Manager computes worst-case profit/loss for broker accounts
// and places the protective stop orders the portfolio is missing.
//
// Architecture:
//
//	main.go        entry point: flags, config, wiring, shutdown
//	broker/        gateway contract both backends implement, error kinds, order helpers
//	broker/rest    Client Portal backend: session-cookie REST with paced account switching
//	broker/tws     socket backend: framed wire protocol behind a synchronous facade
//	risk/          worst-case engine (locked and at-risk profit per position) and protect ops
//	fx/            exchange-rate cache normalizing every total into the base currency
//	keepalive/     cron-driven session tickle keeping the broker login warm
//	api/           HTTP/WebSocket surface: reports, CSV export, protect endpoints, metrics
//
// The worst case of a position is the profit locked in by its stop orders;
// positions without one are assumed to exit at a configured percentage below
// entry, so protected and unprotected holdings stay comparable in one report.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"riskmanager/internal/api"
	"riskmanager/internal/broker"
	"riskmanager/internal/broker/rest"
	"riskmanager/internal/broker/tws"
	"riskmanager/internal/config"
	"riskmanager/internal/fx"
	"riskmanager/internal/keepalive"
	"riskmanager/internal/metrics"
	"riskmanager/internal/risk"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// .env is optional; deployments usually set the environment directly.
	_ = godotenv.Load()

	path := *configPath
	if _, err := os.Stat(path); err != nil {
		slog.Info("config file not found, using defaults and environment", "path", path)
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *configPath)
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

	// Pick the broker backend
	var gateway broker.Gateway
	var closeGateway func() error
	switch cfg.Broker.Backend {
	case "tws":
		tg := tws.New(cfg.TWS, cfg.Risk.Accounts, logger)
		gateway = tg
		closeGateway = tg.Close
	default:
		gateway = rest.New(cfg.Gateway, cfg.Risk.Accounts, logger)
	}
	gateway = metrics.Instrument(cfg.Broker.Backend, gateway)

	fxCache := fx.New(cfg.FX, cfg.Risk.BaseCurrency, logger)
	riskSvc := risk.NewService(
		gateway,
		fxCache,
		decimal.NewFromFloat(cfg.Risk.UnprotectedLossPercentage),
		logger,
	)

	server := api.NewServer(cfg.Server, gateway, riskSvc, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Report whether the broker session is usable, then keep it warm.
	scheduler := keepalive.New(gateway, cfg.Server.KeepaliveCron, server.BroadcastStatus, logger)

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	scheduler.Probe(probeCtx)
	probeCancel()

	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start keep-alive scheduler", "error", err)
		os.Exit(1)
	}

	logger.Info("risk manager started",
		"backend", cfg.Broker.Backend,
		"accounts", len(cfg.Risk.Accounts),
		"base_currency", cfg.Risk.BaseCurrency,
		"listen", cfg.Server.Listen,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	scheduler.Stop()
	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	if closeGateway != nil {
		if err := closeGateway(); err != nil {
			logger.Error("failed to close broker connection", "error", err)
		}
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
