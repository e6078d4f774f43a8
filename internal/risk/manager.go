// Package risk is the admission gate in front of every order. It keeps
// the position book, realized/unrealized P&L, and three equity anchors
// (session, weekly, daily), and refuses trades when any of seven ordered
// checks fails or the latching circuit breaker is engaged.
//
// The breaker has three layers. Layer 1 trips on the daily realized
// loss, Layer 2 on weekly drawdown, Layer 3 on session drawdown. The
// first layer to trip latches its reason; Layers 1 and 2 clear on their
// scheduled rollovers, Layer 3 only by operator reset.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kalshi-trading-bot/internal/config"
	"kalshi-trading-bot/pkg/types"
)

// Manager enforces risk limits. All methods are safe for concurrent use;
// gate evaluation holds the lock for the whole check so admission is
// atomic with respect to fills and settlements.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu       sync.Mutex
	bankroll float64

	positions  map[string]*types.Position
	openOrders int

	dailyRealized float64
	dailyDate     time.Time // UTC midnight of the current trading day

	sessionStartEquity float64
	sessionPeakEquity  float64
	weeklyStartEquity  float64
	weeklyPeakEquity   float64
	weekAnchor         time.Time // Monday 00:00 UTC of the current week

	breakerTriggered bool
	breakerReason    string
	breakerAt        time.Time

	closedPnLs  []float64
	maxDrawdown float64

	// now is swappable so rollover behaviour can be tested.
	now func() time.Time
}

// NewManager builds a manager anchored at the given bankroll.
func NewManager(cfg config.RiskConfig, bankroll float64, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "risk"),
		bankroll:  bankroll,
		positions: make(map[string]*types.Position),
		now:       time.Now,
	}
	now := m.now().UTC()
	m.dailyDate = utcMidnight(now)
	m.weekAnchor = mondayStart(now)
	m.sessionStartEquity = bankroll
	m.sessionPeakEquity = bankroll
	m.weeklyStartEquity = bankroll
	m.weeklyPeakEquity = bankroll
	return m
}

// CheckTradeAllowed runs the seven admission gates in order and returns
// the first refusal reason, if any.
func (m *Manager) CheckTradeAllowed(ticker string, quantity int, price float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollover()

	if m.breakerTriggered {
		return false, m.breakerReason
	}

	value := float64(quantity) * price
	ceiling := m.bankroll * m.cfg.PositionCeilingPct
	if value > ceiling {
		return false, fmt.Sprintf("position value $%.2f exceeds ceiling $%.2f", value, ceiling)
	}

	if len(m.positions) >= m.cfg.MaxConcurrentPositions {
		return false, fmt.Sprintf("max concurrent positions reached (%d)", m.cfg.MaxConcurrentPositions)
	}

	dailyLimit := m.bankroll * m.cfg.CircuitBreakerLossThreshold
	if m.dailyRealized < 0 && -m.dailyRealized >= dailyLimit {
		return false, fmt.Sprintf("daily loss $%.2f at limit $%.2f", -m.dailyRealized, dailyLimit)
	}

	if dd := m.weeklyDrawdown(); dd >= m.cfg.WeeklyDrawdownCap {
		return false, fmt.Sprintf("weekly drawdown %.1f%% at cap %.1f%%", dd*100, m.cfg.WeeklyDrawdownCap*100)
	}

	if m.totalExposure()+value > ceiling*float64(m.cfg.MaxConcurrentPositions) {
		return false, fmt.Sprintf("total exposure would exceed $%.2f", ceiling*float64(m.cfg.MaxConcurrentPositions))
	}

	if _, exists := m.positions[ticker]; exists {
		return false, fmt.Sprintf("position already open for %s", ticker)
	}

	return true, ""
}

// CheckSignal is the edge gate applied before admission.
func (m *Manager) CheckSignal(sig *types.Signal) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	required := m.cfg.MinEdgeThreshold + m.cfg.UncertaintyBuffer
	edge := sig.Edge
	if edge < 0 {
		edge = -edge
	}
	if edge < required {
		return false, fmt.Sprintf("edge %.3f below required %.3f", edge, required)
	}
	if sig.Confidence < 0.5 {
		return false, fmt.Sprintf("confidence %.2f below 0.50", sig.Confidence)
	}
	return true, ""
}

// RecordFill registers a fill, creating the position or folding the fill
// into the weighted average entry.
func (m *Manager) RecordFill(ticker string, side types.Side, quantity int, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollover()

	pos, ok := m.positions[ticker]
	if !ok {
		now := m.now()
		m.positions[ticker] = &types.Position{
			Ticker:            ticker,
			Side:              side,
			Quantity:          quantity,
			AverageEntryPrice: price,
			CurrentPrice:      price,
			EntryTime:         now,
			MaxLoss:           float64(quantity) * price,
			MaxGain:           float64(quantity) * (1 - price),
			LastUpdated:       now,
		}
	} else {
		oldQty := float64(pos.Quantity)
		newQty := oldQty + float64(quantity)
		pos.AverageEntryPrice = (pos.AverageEntryPrice*oldQty + price*float64(quantity)) / newQty
		pos.Quantity += quantity
		pos.MaxLoss = float64(pos.Quantity) * pos.AverageEntryPrice
		pos.MaxGain = float64(pos.Quantity) * (1 - pos.AverageEntryPrice)
		pos.LastUpdated = m.now()
	}

	m.logger.Info("fill recorded", "ticker", ticker, "side", side,
		"quantity", quantity, "price", price)
	m.evaluateBreaker()
}

// MarkPosition marks an open position to the given market price.
func (m *Manager) MarkPosition(ticker string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollover()

	pos, ok := m.positions[ticker]
	if !ok {
		return
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnL = pos.UnrealizedAt(price)
	pos.LastUpdated = m.now()
	m.evaluateBreaker()
}

// ClosePosition removes a settled position and books its realized P&L.
func (m *Manager) ClosePosition(ticker string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollover()

	if _, ok := m.positions[ticker]; !ok {
		m.logger.Warn("close for unknown position", "ticker", ticker)
		return
	}
	delete(m.positions, ticker)
	m.dailyRealized += pnl
	m.closedPnLs = append(m.closedPnLs, pnl)

	m.logger.Info("position closed", "ticker", ticker, "pnl", pnl,
		"daily_realized", m.dailyRealized)
	m.evaluateBreaker()
}

// SetOpenOrders records the monitor's active-order count.
func (m *Manager) SetOpenOrders(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrders = n
}

// UpdateBankroll replaces the capital base, e.g. from the live exchange
// balance when switching out of dry-run.
func (m *Manager) UpdateBankroll(bankroll float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bankroll = bankroll
}

// HasPosition reports whether a position is open for the ticker.
func (m *Manager) HasPosition(ticker string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.positions[ticker]
	return ok
}

// Position returns a copy of the open position for the ticker.
func (m *Manager) Position(ticker string) (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[ticker]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions.
func (m *Manager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// ResetCircuitBreaker clears the breaker on operator request, whatever
// the layer.
func (m *Manager) ResetCircuitBreaker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.breakerTriggered {
		return
	}
	m.logger.Warn("circuit breaker reset by operator", "reason", m.breakerReason)
	m.breakerTriggered = false
	m.breakerReason = ""
}

// TriggerCircuitBreaker latches the breaker with an operator-supplied
// reason, used by the emergency halt.
func (m *Manager) TriggerCircuitBreaker(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latchBreaker(reason)
}

// CircuitBreakerActive reports the latched state and its reason.
func (m *Manager) CircuitBreakerActive() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breakerTriggered, m.breakerReason
}

// Metrics rebuilds and returns the aggregate risk snapshot.
func (m *Manager) Metrics() types.RiskMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollover()

	unrealized := 0.0
	exposure := make(map[string]float64, len(m.positions))
	for ticker, pos := range m.positions {
		unrealized += pos.UnrealizedPnL
		exposure[ticker] = float64(pos.Quantity) * pos.AverageEntryPrice
	}

	realized := 0.0
	wins := 0
	for _, pnl := range m.closedPnLs {
		realized += pnl
		if pnl > 0 {
			wins++
		}
	}
	winRate, evPerTrade := 0.0, 0.0
	if n := len(m.closedPnLs); n > 0 {
		winRate = float64(wins) / float64(n)
		evPerTrade = realized / float64(n)
	}

	dailyPnL := m.dailyRealized + unrealized
	dailyLoss := dailyPnL
	if dailyLoss > 0 {
		dailyLoss = 0
	}

	currentDD := m.sessionDrawdown()
	if currentDD > m.maxDrawdown {
		m.maxDrawdown = currentDD
	}

	return types.RiskMetrics{
		TotalPositions:          len(m.positions),
		OpenOrdersCount:         m.openOrders,
		TotalExposure:           m.totalExposure(),
		DailyPnL:                dailyPnL,
		DailyLoss:               dailyLoss,
		UnrealizedPnL:           unrealized,
		RealizedPnL:             realized,
		MaxDrawdown:             m.maxDrawdown,
		CurrentDrawdown:         currentDD,
		WeeklyDrawdown:          m.weeklyDrawdown(),
		WinRate:                 winRate,
		EVPerTrade:              evPerTrade,
		CircuitBreakerTriggered: m.breakerTriggered,
		CircuitBreakerReason:    m.breakerReason,
		ExposureByMarket:        exposure,
		LastUpdated:             m.now(),
	}
}

// Callers must hold m.mu for everything below.

func (m *Manager) totalExposure() float64 {
	total := 0.0
	for _, pos := range m.positions {
		total += float64(pos.Quantity) * pos.AverageEntryPrice
	}
	return total
}

func (m *Manager) currentEquity() float64 {
	unrealized := 0.0
	for _, pos := range m.positions {
		unrealized += pos.UnrealizedPnL
	}
	return m.sessionStartEquity + m.dailyRealized + unrealized
}

func (m *Manager) sessionDrawdown() float64 {
	equity := m.currentEquity()
	if equity > m.sessionPeakEquity {
		m.sessionPeakEquity = equity
	}
	if m.sessionPeakEquity <= 0 {
		return 0
	}
	return (m.sessionPeakEquity - equity) / m.sessionPeakEquity
}

func (m *Manager) weeklyDrawdown() float64 {
	equity := m.currentEquity()
	if equity > m.weeklyPeakEquity {
		m.weeklyPeakEquity = equity
	}
	if m.weeklyPeakEquity <= 0 {
		return 0
	}
	return (m.weeklyPeakEquity - equity) / m.weeklyPeakEquity
}

// evaluateBreaker checks the three layers in order and latches the first
// one that trips. A latched breaker keeps its original reason.
func (m *Manager) evaluateBreaker() {
	if m.breakerTriggered {
		return
	}

	dailyLimit := m.bankroll * m.cfg.CircuitBreakerLossThreshold
	if m.dailyRealized < 0 && -m.dailyRealized >= dailyLimit {
		m.latchBreaker(fmt.Sprintf("Layer-1: daily loss $%.2f breached limit $%.2f",
			-m.dailyRealized, dailyLimit))
		return
	}

	if dd := m.weeklyDrawdown(); dd >= m.cfg.WeeklyDrawdownCap {
		m.latchBreaker(fmt.Sprintf("Layer-2: weekly drawdown %.1f%% breached cap %.1f%%",
			dd*100, m.cfg.WeeklyDrawdownCap*100))
		return
	}

	if dd := m.sessionDrawdown(); dd >= m.cfg.CircuitBreakerDrawdownThreshold {
		m.latchBreaker(fmt.Sprintf("Layer-3: session drawdown %.1f%% breached threshold %.1f%%",
			dd*100, m.cfg.CircuitBreakerDrawdownThreshold*100))
	}
}

func (m *Manager) latchBreaker(reason string) {
	if m.breakerTriggered {
		return
	}
	m.breakerTriggered = true
	m.breakerReason = reason
	m.breakerAt = m.now()
	m.logger.Error("CIRCUIT BREAKER TRIPPED", "reason", reason)
}

// rollover applies the UTC-midnight daily reset and the Monday-00:00
// weekly re-anchor, clearing the breaker only when the latched layer
// matches the rollover.
func (m *Manager) rollover() {
	now := m.now().UTC()

	if today := utcMidnight(now); today.After(m.dailyDate) {
		m.logger.Info("daily rollover", "previous_realized", m.dailyRealized)
		m.dailyRealized = 0
		m.dailyDate = today
		if m.breakerTriggered && hasLayerTag(m.breakerReason, "Layer-1") {
			m.logger.Info("circuit breaker auto-cleared on daily rollover")
			m.breakerTriggered = false
			m.breakerReason = ""
		}
	}

	if monday := mondayStart(now); monday.After(m.weekAnchor) {
		// The weekly anchor is realized equity only; open marks at the
		// boundary do not move it.
		equity := m.sessionStartEquity + m.dailyRealized
		m.logger.Info("weekly rollover", "equity", equity)
		m.weekAnchor = monday
		m.weeklyStartEquity = equity
		m.weeklyPeakEquity = equity
		if m.breakerTriggered && hasLayerTag(m.breakerReason, "Layer-2") {
			m.logger.Info("circuit breaker auto-cleared on weekly rollover")
			m.breakerTriggered = false
			m.breakerReason = ""
		}
	}
}

func hasLayerTag(reason, tag string) bool {
	return len(reason) >= len(tag) && reason[:len(tag)] == tag
}

func utcMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// mondayStart returns Monday 00:00 UTC of the week containing t.
func mondayStart(t time.Time) time.Time {
	t = utcMidnight(t)
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}
