// Kalshi trading bot: an automated taker bot for 15-minute binary event
// contracts (KXSOL15M) on the SOL spot price.
//
// Architecture:
//
//	main.go             - entry point: loads config, wires subsystems, waits for SIGINT/SIGTERM
//	engine/engine.go    - orchestrator: market discovery, spot feed, strategy dispatch
//	strategy/hct.go     - high-confidence threshold strategy: lognormal/Monte-Carlo probability vs market price
//	spot/spot.go        - SOL spot price source with primary/fallback endpoints
//	orders/manager.go   - order lifecycle: placement, monitoring, fills, settlement
//	risk/manager.go     - admission gates and the three-layer latching circuit breaker
//	exchange/client.go  - Kalshi REST client (markets, orderbook, orders, portfolio)
//	exchange/auth.go    - RSA-PSS request signing
//	api/server.go       - operator REST API + WebSocket event stream
//	metrics/metrics.go  - Prometheus collectors, served at /metrics
//
// How it trades:
//
//	Every second the bot finds the active KXSOL15M market, fetches the SOL
//	spot price, and estimates the probability the contract resolves YES.
//	When its estimate diverges from the market price by more than the edge
//	threshold it buys the cheap side, sized by fractional Kelly. Positions
//	are held to settlement; the risk manager halts trading on daily,
//	weekly, or session loss limits.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"kalshi-trading-bot/internal/api"
	"kalshi-trading-bot/internal/config"
	"kalshi-trading-bot/internal/engine"
	"kalshi-trading-bot/internal/exchange"
	"kalshi-trading-bot/internal/orders"
	"kalshi-trading-bot/internal/risk"
	"kalshi-trading-bot/internal/spot"
	"kalshi-trading-bot/internal/strategy"
)

func main() {
	// .env is optional; real deployments set KALSHI_* in the environment.
	godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KALSHI_CONFIG"); p != "" {
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

	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog()

	pem, err := cfg.Exchange.PrivateKeyPEM()
	if err != nil {
		logger.Error("failed to read private key", "error", err)
		os.Exit(1)
	}
	auth, err := exchange.NewAuth(cfg.Exchange.APIKey, pem)
	if err != nil {
		logger.Error("failed to build request signer", "error", err)
		os.Exit(1)
	}
	client, err := exchange.NewClient(cfg.Exchange, cfg.DryRun, auth, logger)
	if err != nil {
		logger.Error("failed to build exchange client", "error", err)
		os.Exit(1)
	}

	spotSrc := spot.NewSource(cfg.Spot, logger)
	registry := strategy.NewRegistry(strategy.NewHighConfidence(cfg.Strategy, logger))
	riskMgr := risk.NewManager(cfg.Risk, cfg.Strategy.Bankroll, logger)
	orderMgr := orders.NewManager(cfg.Trading, cfg.DryRun, client, riskMgr, logger)
	eng := engine.New(*cfg, client, spotSrc, registry, riskMgr, orderMgr, logger)
	server := api.NewServer(cfg.Server, eng, orderMgr, riskMgr, registry, client, spotSrc, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("operator server failed", "error", err)
			os.Exit(1)
		}
	}()
	logger.Info("operator API started",
		"url", fmt.Sprintf("http://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.RoutePrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Paper mode starts trading immediately. Live mode waits for an
	// explicit operator POST /start after the mode switch handshake.
	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: orders are simulated, no capital at risk")
		if err := eng.Start(ctx); err != nil {
			logger.Error("failed to start engine", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("live mode configured, waiting for operator start")
	}

	logger.Info("kalshi trading bot ready",
		"series", cfg.Exchange.SeriesTicker,
		"bankroll", cfg.Strategy.Bankroll,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if eng.Running() {
		if err := eng.Stop(); err != nil {
			logger.Error("failed to stop engine", "error", err)
		}
	}
	if err := server.Stop(); err != nil {
		logger.Error("failed to stop operator server", "error", err)
	}
}

// setupLogger writes to stdout and, when a log dir is configured, to a
// timestamped file as well.
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stdout
	closeLog := func() {}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		name := filepath.Join(cfg.Dir, fmt.Sprintf("bot_%d.log", time.Now().Unix()))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closeLog = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeLog, nil
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
