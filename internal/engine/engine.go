// Package engine is the central orchestrator of the trading bot.
//
// It wires together the subsystems and runs the trading loop:
//
//  1. Discover open markets in the configured series via the exchange.
//  2. Narrow to the market currently inside its trading window.
//  3. Fetch the spot price (primary then fallback) and the orderbook.
//  4. Run every enabled strategy; execute emitted signals through the
//     order manager, which applies the edge and risk gates.
//  5. Maintain the rolling spot-price history for the strategies.
//
// Lifecycle: New() -> Start() -> [runs until stopped] -> Stop().
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"kalshi-trading-bot/internal/config"
	"kalshi-trading-bot/internal/exchange"
	"kalshi-trading-bot/internal/metrics"
	"kalshi-trading-bot/internal/orders"
	"kalshi-trading-bot/internal/risk"
	"kalshi-trading-bot/internal/spot"
	"kalshi-trading-bot/internal/strategy"
	"kalshi-trading-bot/pkg/types"
)

const (
	sleepNoMarkets   = 10 * time.Second
	sleepNoTradeable = 10 * time.Second
	sleepNoActive    = 5 * time.Second
)

// Event is one operator-surface notification.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Status is the operator-facing engine snapshot.
type Status struct {
	Running       bool               `json:"running"`
	DryRun        bool               `json:"dry_run"`
	SeriesTicker  string             `json:"series_ticker"`
	CurrentMarket string             `json:"current_market,omitempty"`
	SpotPrice     float64            `json:"spot_price,omitempty"`
	StartedAt     time.Time          `json:"started_at,omitzero"`
	Strategies    []strategy.Info    `json:"strategies"`
	RiskMetrics   types.RiskMetrics  `json:"risk_metrics"`
	ActiveOrders  int                `json:"active_orders"`
	OpenPositions []types.Position   `json:"open_positions"`
}

// Engine owns the trading loop and the wiring between subsystems.
type Engine struct {
	cfg        config.Config
	client     *exchange.Client
	spot       *spot.Source
	strategies *strategy.Registry
	riskMgr    *risk.Manager
	orderMgr   *orders.Manager
	logger     *slog.Logger

	mu            sync.Mutex
	running       bool
	dryRun        bool
	currentTicker string
	lastSpot      float64
	history       []types.PricePoint
	startedAt     time.Time
	cancel        context.CancelFunc

	events chan Event
	wg     sync.WaitGroup
}

// New wires an engine from already-constructed subsystems.
func New(cfg config.Config, client *exchange.Client, spotSrc *spot.Source,
	registry *strategy.Registry, riskMgr *risk.Manager, orderMgr *orders.Manager,
	logger *slog.Logger) *Engine {

	e := &Engine{
		cfg:        cfg,
		client:     client,
		spot:       spotSrc,
		strategies: registry,
		riskMgr:    riskMgr,
		orderMgr:   orderMgr,
		logger:     logger.With("component", "engine"),
		dryRun:     cfg.DryRun,
		events:     make(chan Event, 100),
	}
	orderMgr.SetTradeListener(func(trade types.Trade) {
		e.emit("trade_execution", trade)
	})
	return e
}

// Start launches the trading loop and the order monitor.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("bot already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.orderMgr.StartMonitor(loopCtx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLoop(loopCtx)
	}()

	e.logger.Info("bot started", "dry_run", e.DryRun(), "series", e.cfg.Exchange.SeriesTicker)
	e.emit("status_update", e.Snapshot())
	return nil
}

// Stop cancels the monitor, awaits its exit, then drops the trading
// loop. Resting orders are left in place; use EmergencyHalt to flatten.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return errors.New("bot not running")
	}
	cancel := e.cancel
	e.cancel = nil
	e.running = false
	e.mu.Unlock()

	e.orderMgr.StopMonitor()
	cancel()
	e.wg.Wait()

	e.logger.Info("bot stopped")
	e.emit("status_update", e.Snapshot())
	return nil
}

// EmergencyHalt stops the bot, disables every strategy, cancels all
// resting orders, and latches the circuit breaker.
func (e *Engine) EmergencyHalt(ctx context.Context, reason string) {
	e.logger.Error("EMERGENCY HALT", "reason", reason)

	if e.Running() {
		if err := e.Stop(); err != nil {
			e.logger.Error("stop during halt failed", "error", err)
		}
	}
	e.strategies.DisableAll()
	cancelled := e.orderMgr.CancelAll(ctx)
	e.riskMgr.TriggerCircuitBreaker("operator emergency halt: " + reason)

	e.emit("alert", map[string]any{
		"severity":         "critical",
		"message":          "emergency halt: " + reason,
		"orders_cancelled": cancelled,
	})
}

// Running reports whether the trading loop is live.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// DryRun reports the current execution mode.
func (e *Engine) DryRun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dryRun
}

// SetDryRun switches between paper and live execution. Refused while
// the loop is running.
func (e *Engine) SetDryRun(dryRun bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("stop the bot before switching modes")
	}
	e.dryRun = dryRun
	e.orderMgr.SetDryRun(dryRun)
	e.client.SetDryRun(dryRun)
	return nil
}

// Events returns the operator notification stream.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// PriceHistory returns a copy of the rolling spot history.
func (e *Engine) PriceHistory() []types.PricePoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.PricePoint, len(e.history))
	copy(out, e.history)
	return out
}

// Snapshot assembles the operator status payload.
func (e *Engine) Snapshot() Status {
	e.mu.Lock()
	running := e.running
	dryRun := e.dryRun
	ticker := e.currentTicker
	spotPrice := e.lastSpot
	startedAt := e.startedAt
	e.mu.Unlock()

	rm := e.riskMgr.Metrics()
	return Status{
		Running:       running,
		DryRun:        dryRun,
		SeriesTicker:  e.cfg.Exchange.SeriesTicker,
		CurrentMarket: ticker,
		SpotPrice:     spotPrice,
		StartedAt:     startedAt,
		Strategies:    e.strategies.Infos(),
		RiskMetrics:   rm,
		ActiveOrders:  rm.OpenOrdersCount,
		OpenPositions: e.riskMgr.Positions(),
	}
}

// runLoop drives the 1 s trading tick. Stage failures stretch the wait
// so an idle series does not hammer the exchange.
func (e *Engine) runLoop(ctx context.Context) {
	interval := e.cfg.Trading.LoopInterval
	if interval <= 0 {
		interval = time.Second
	}

	for {
		wait := e.tick(ctx)
		if wait < interval {
			wait = interval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// tick runs one pass of the loop and returns how long to wait before
// the next one.
func (e *Engine) tick(ctx context.Context) time.Duration {
	markets, err := e.client.ListMarkets(ctx, e.cfg.Exchange.SeriesTicker, "open", 20)
	if err != nil {
		e.logger.Warn("market discovery failed", "error", err)
		return 0
	}
	if len(markets) == 0 {
		return sleepNoMarkets
	}

	tradeable := markets[:0:0]
	for _, m := range markets {
		if m.IsTradeable() {
			tradeable = append(tradeable, m)
		}
	}
	if len(tradeable) == 0 {
		return sleepNoTradeable
	}

	var active []types.Market
	for _, m := range tradeable {
		if m.IsActive() {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return sleepNoActive
	}

	market := &active[0]

	spotPrice, err := e.spot.Price(ctx)
	if err != nil {
		e.logger.Warn("spot price unavailable, skipping tick", "error", err)
		return 0
	}
	metrics.SpotPrice.Set(spotPrice)

	orderbook, err := e.client.GetOrderbook(ctx, market.Ticker)
	if err != nil {
		e.logger.Debug("orderbook fetch failed", "ticker", market.Ticker, "error", err)
		orderbook = nil
	}

	e.mu.Lock()
	e.currentTicker = market.Ticker
	e.lastSpot = spotPrice
	history := make([]types.PricePoint, len(e.history))
	copy(history, e.history)
	e.mu.Unlock()

	e.markPositions(market)

	for _, strat := range e.strategies.Enabled() {
		sig := strat.Analyze(market, spotPrice, history, orderbook)
		if sig == nil || !sig.IsValid() {
			continue
		}
		metrics.SignalsGenerated.WithLabelValues(sig.StrategyName, string(sig.Direction)).Inc()
		e.emit("trading_signal", sig)

		trade, err := e.orderMgr.ExecuteSignal(ctx, sig)
		switch {
		case err != nil && types.KindOf(err) == types.ErrStateGate:
			metrics.GateRefusals.WithLabelValues("risk").Inc()
		case err != nil:
			e.logger.Error("signal execution failed", "ticker", sig.Ticker, "error", err)
		case trade != nil:
			metrics.TradesTotal.WithLabelValues(string(trade.Status)).Inc()
		}
	}

	e.appendHistory(spotPrice)
	metrics.ObserveRisk(e.riskMgr.Metrics())
	metrics.ExchangeErrors.Set(float64(e.client.Health().ConsecutiveErrors))
	return 0
}

// markPositions updates unrealized P&L for positions on the current
// market from its quoted prices.
func (e *Engine) markPositions(market *types.Market) {
	pos, ok := e.riskMgr.Position(market.Ticker)
	if !ok {
		return
	}
	var price float64
	if pos.Side == types.SideYes {
		if market.YesPrice == nil {
			return
		}
		price = *market.YesPrice
	} else {
		p, ok := market.NoProb()
		if !ok {
			return
		}
		price = p
	}
	e.riskMgr.MarkPosition(market.Ticker, price)
}

// appendHistory records one spot observation and prunes the window.
func (e *Engine) appendHistory(price float64) {
	window := e.cfg.Trading.PriceHistoryWindow
	if window <= 0 {
		window = 15 * time.Minute
	}
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, types.PricePoint{
		Price:       price,
		TimestampMS: now.UnixMilli(),
	})
	cutoff := now.Add(-window).UnixMilli()
	firstKept := 0
	for firstKept < len(e.history) && e.history[firstKept].TimestampMS < cutoff {
		firstKept++
	}
	e.history = e.history[firstKept:]
}

// emit pushes an operator event, dropping it if the consumer lags.
func (e *Engine) emit(eventType string, data any) {
	evt := Event{Type: eventType, Timestamp: time.Now(), Data: data}
	select {
	case e.events <- evt:
	default:
	}
}
