package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"kalshi-trading-bot/internal/config"
	"kalshi-trading-bot/internal/exchange"
	"kalshi-trading-bot/internal/orders"
	"kalshi-trading-bot/internal/risk"
	"kalshi-trading-bot/internal/spot"
	"kalshi-trading-bot/internal/strategy"
	"kalshi-trading-bot/pkg/types"
)

var (
	testKeyOnce sync.Once
	testKey     string
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatal(err)
		}
		testKey = string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}))
	})
	return testKey
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestEngine wires an engine against an exchange backend that always
// reports an empty market list, so ticks are harmless no-ops.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"markets": []}`))
	}))
	t.Cleanup(srv.Close)

	cfg := config.Config{
		DryRun: true,
		Exchange: config.ExchangeConfig{
			BaseURL:        srv.URL + "/trade-api/v2",
			SeriesTicker:   "KXSOL15M",
			RequestTimeout: 5 * time.Second,
		},
		Spot: config.SpotConfig{PrimaryURL: srv.URL + "/spot", Timeout: 2 * time.Second},
		Strategy: config.StrategyConfig{
			Bankroll:         10000,
			KellyFraction:    0.15,
			MinProbability:   0.95,
			MinEdge:          0.05,
			MinTimeRemaining: 30 * time.Second,
			MaxTimeRemaining: 10 * time.Minute,
			SignalTTL:        time.Minute,
		},
		Risk: config.RiskConfig{
			PositionCeilingPct:              0.02,
			MaxConcurrentPositions:          5,
			CircuitBreakerLossThreshold:     0.05,
			WeeklyDrawdownCap:               0.10,
			CircuitBreakerDrawdownThreshold: 0.15,
			MinEdgeThreshold:                0.05,
			UncertaintyBuffer:               0.02,
		},
		Trading: config.TradingConfig{
			LoopInterval:       50 * time.Millisecond,
			MonitorInterval:    50 * time.Millisecond,
			StaleOrderAge:      14 * time.Minute,
			PriceHistoryWindow: 15 * time.Minute,
		},
	}

	auth, err := exchange.NewAuth("test-key-id", testKeyPEM(t))
	if err != nil {
		t.Fatal(err)
	}
	client, err := exchange.NewClient(cfg.Exchange, true, auth, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	spotSrc := spot.NewSource(cfg.Spot, testLogger())
	registry := strategy.NewRegistry(strategy.NewHighConfidence(cfg.Strategy, testLogger()))
	riskMgr := risk.NewManager(cfg.Risk, cfg.Strategy.Bankroll, testLogger())
	orderMgr := orders.NewManager(cfg.Trading, true, client, riskMgr, testLogger())

	return New(cfg, client, spotSrc, registry, riskMgr, orderMgr, testLogger())
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	if e.Running() {
		t.Fatal("engine reports running before start")
	}
	if err := e.Stop(); err == nil {
		t.Error("stop before start should fail")
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !e.Running() {
		t.Fatal("engine not running after start")
	}
	if err := e.Start(context.Background()); err == nil {
		t.Error("double start should fail")
	}
	if err := e.SetDryRun(false); err == nil {
		t.Error("mode switch while running should fail")
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.Running() {
		t.Error("engine still running after stop")
	}
	if err := e.SetDryRun(false); err != nil {
		t.Errorf("mode switch while stopped: %v", err)
	}
	if e.DryRun() {
		t.Error("dry run still set after switch")
	}
}

func TestSnapshotDefaults(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	snap := e.Snapshot()
	if snap.Running {
		t.Error("snapshot running = true, want false")
	}
	if !snap.DryRun {
		t.Error("snapshot dry_run = false, want true")
	}
	if snap.SeriesTicker != "KXSOL15M" {
		t.Errorf("series = %q, want KXSOL15M", snap.SeriesTicker)
	}
	if len(snap.Strategies) != 1 || snap.Strategies[0].Name != "high_confidence_threshold" {
		t.Errorf("strategies = %+v", snap.Strategies)
	}
	if len(snap.OpenPositions) != 0 {
		t.Errorf("positions = %+v, want none", snap.OpenPositions)
	}
}

func TestAppendHistoryPrunesWindow(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	old := time.Now().Add(-20 * time.Minute).UnixMilli()
	e.mu.Lock()
	e.history = []types.PricePoint{
		{Price: 180, TimestampMS: old},
		{Price: 181, TimestampMS: old + 1000},
	}
	e.mu.Unlock()

	e.appendHistory(182)

	got := e.PriceHistory()
	if len(got) != 1 {
		t.Fatalf("history length = %d, want 1 after pruning", len(got))
	}
	if got[0].Price != 182 {
		t.Errorf("kept price = %v, want 182", got[0].Price)
	}
}

func TestEventsEmitOnLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	select {
	case evt := <-e.Events():
		if evt.Type != "status_update" {
			t.Errorf("first event = %q, want status_update", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event after start")
	}
}
