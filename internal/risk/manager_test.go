package risk

import (
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"kalshi-trading-bot/internal/config"
	"kalshi-trading-bot/pkg/types"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		PositionCeilingPct:              0.02,
		MaxConcurrentPositions:          5,
		CircuitBreakerLossThreshold:     0.05,
		WeeklyDrawdownCap:               0.10,
		CircuitBreakerDrawdownThreshold: 0.15,
		MinEdgeThreshold:                0.05,
		UncertaintyBuffer:               0.02,
	}
}

func newTestManager() *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(testRiskConfig(), 10_000, logger)
}

func TestCheckTradeAllowedUnderLimits(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	// $176 on a $10k bankroll sits under the $200 ceiling.
	ok, reason := m.CheckTradeAllowed("KXSOL15M-A", 200, 0.88)
	if !ok {
		t.Errorf("clean trade refused: %s", reason)
	}
}

func TestPositionCeilingGate(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	ok, reason := m.CheckTradeAllowed("KXSOL15M-A", 500, 0.88)
	if ok {
		t.Fatal("$440 position admitted over the $200 ceiling")
	}
	if !strings.Contains(reason, "ceiling") {
		t.Errorf("reason = %q, want ceiling mention", reason)
	}
}

func TestMaxConcurrentPositionsGate(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	for i := 0; i < 5; i++ {
		m.RecordFill(string(rune('A'+i)), types.SideYes, 10, 0.50)
	}
	ok, reason := m.CheckTradeAllowed("F", 10, 0.50)
	if ok {
		t.Fatal("sixth concurrent position admitted")
	}
	if !strings.Contains(reason, "concurrent") {
		t.Errorf("reason = %q, want concurrent-positions mention", reason)
	}
}

func TestDailyLossGate(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordFill("A", types.SideYes, 10, 0.50)
	m.ClosePosition("A", -499)

	ok, _ := m.CheckTradeAllowed("B", 10, 0.50)
	if !ok {
		t.Error("loss under the $500 daily limit refused")
	}

	m.RecordFill("B", types.SideYes, 10, 0.50)
	m.ClosePosition("B", -2)

	// Cumulative -$501 latches Layer 1; Gate 1 now carries the reason.
	ok, reason := m.CheckTradeAllowed("C", 10, 0.50)
	if ok {
		t.Fatal("trade admitted past the daily loss limit")
	}
	if !strings.Contains(reason, "Layer-1") {
		t.Errorf("reason = %q, want Layer-1 tag", reason)
	}
}

func TestOnePositionPerTickerGate(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordFill("KXSOL15M-A", types.SideYes, 10, 0.50)
	ok, reason := m.CheckTradeAllowed("KXSOL15M-A", 10, 0.50)
	if ok {
		t.Fatal("second position on the same ticker admitted")
	}
	if !strings.Contains(reason, "already open") {
		t.Errorf("reason = %q, want already-open mention", reason)
	}
}

func TestTotalExposureGate(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	// Fills are not gated, so grow four positions to $230 each. With
	// $920 of the $1000 aggregate cap used, $80 of headroom remains.
	for i := 0; i < 4; i++ {
		m.RecordFill(string(rune('A'+i)), types.SideYes, 460, 0.50)
	}

	if ok, reason := m.CheckTradeAllowed("E", 100, 0.50); !ok {
		t.Errorf("$50 position under the headroom refused: %s", reason)
	}
	// $100 passes the per-position ceiling but breaches the aggregate.
	ok, reason := m.CheckTradeAllowed("E", 200, 0.50)
	if ok {
		t.Fatal("aggregate exposure breach admitted")
	}
	if !strings.Contains(reason, "exposure") {
		t.Errorf("reason = %q, want exposure mention", reason)
	}
}

func TestEdgeGate(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	tests := []struct {
		name       string
		edge       float64
		confidence float64
		want       bool
	}{
		{"passes", 0.08, 0.9, true},
		{"exact threshold passes", 0.07, 0.5, true},
		{"edge too small", 0.06, 0.9, false},
		{"negative edge large enough", -0.08, 0.9, true},
		{"confidence too low", 0.10, 0.49, false},
	}
	for _, tt := range tests {
		sig := &types.Signal{Edge: tt.edge, Confidence: tt.confidence}
		ok, reason := m.CheckSignal(sig)
		if ok != tt.want {
			t.Errorf("%s: CheckSignal = %v (%s), want %v", tt.name, ok, reason, tt.want)
		}
	}
}

func TestRecordFillWeightedAverage(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordFill("A", types.SideYes, 100, 0.40)
	m.RecordFill("A", types.SideYes, 100, 0.60)

	pos, ok := m.Position("A")
	if !ok {
		t.Fatal("position missing")
	}
	if pos.Quantity != 200 {
		t.Errorf("quantity = %d, want 200", pos.Quantity)
	}
	if math.Abs(pos.AverageEntryPrice-0.50) > 1e-9 {
		t.Errorf("avg entry = %v, want 0.50", pos.AverageEntryPrice)
	}
	if math.Abs(pos.MaxLoss-100) > 1e-9 {
		t.Errorf("max loss = %v, want 100", pos.MaxLoss)
	}
}

func TestClosePositionBooksRealized(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordFill("A", types.SideYes, 100, 0.40)
	m.ClosePosition("A", 60)

	if m.HasPosition("A") {
		t.Error("position still open after close")
	}
	got := m.Metrics()
	if got.RealizedPnL != 60 {
		t.Errorf("realized = %v, want 60", got.RealizedPnL)
	}
	if got.DailyPnL != 60 {
		t.Errorf("daily pnl = %v, want 60", got.DailyPnL)
	}
	if got.WinRate != 1 {
		t.Errorf("win rate = %v, want 1", got.WinRate)
	}
	if got.EVPerTrade != 60 {
		t.Errorf("ev per trade = %v, want 60", got.EVPerTrade)
	}
}

func TestDailyBreakerLatchesAndResets(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordFill("A", types.SideYes, 10, 0.50)
	m.ClosePosition("A", -501)

	active, reason := m.CircuitBreakerActive()
	if !active {
		t.Fatal("breaker not latched at -$501 on a $10k bankroll")
	}
	if !strings.Contains(reason, "Layer-1") {
		t.Errorf("reason = %q, want Layer-1 tag", reason)
	}

	if ok, _ := m.CheckTradeAllowed("B", 10, 0.50); ok {
		t.Error("trade admitted while breaker latched")
	}

	m.ResetCircuitBreaker()
	if active, _ := m.CircuitBreakerActive(); active {
		t.Error("breaker still latched after operator reset")
	}
}

func TestDailyRolloverClearsLayerOne(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) // a Tuesday
	m.now = func() time.Time { return base }
	m.dailyDate = utcMidnight(base)
	m.weekAnchor = mondayStart(base)

	m.RecordFill("A", types.SideYes, 10, 0.50)
	m.ClosePosition("A", -501)
	if active, _ := m.CircuitBreakerActive(); !active {
		t.Fatal("breaker not latched")
	}

	// Cross UTC midnight: realized resets and Layer-1 auto-clears.
	m.now = func() time.Time { return base.Add(13 * time.Hour) }
	got := m.Metrics()
	if got.CircuitBreakerTriggered {
		t.Error("Layer-1 breaker survived the daily rollover")
	}
	if got.DailyPnL != 0 {
		t.Errorf("daily pnl = %v after rollover, want 0", got.DailyPnL)
	}
}

func TestWeeklyRolloverClearsOnlyLayerTwo(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.dailyDate = utcMidnight(base)
	m.weekAnchor = mondayStart(base)

	m.TriggerCircuitBreaker("Layer-3: session drawdown 16.0% breached threshold 15.0%")

	// Next Monday: Layer-3 must survive both rollovers.
	m.now = func() time.Time { return base.AddDate(0, 0, 7) }
	if got := m.Metrics(); !got.CircuitBreakerTriggered {
		t.Error("Layer-3 breaker cleared by rollover; operator reset only")
	}

	m.ResetCircuitBreaker()
	m.TriggerCircuitBreaker("Layer-2: weekly drawdown 11.0% breached cap 10.0%")
	m.now = func() time.Time { return base.AddDate(0, 0, 14) }
	if got := m.Metrics(); got.CircuitBreakerTriggered {
		t.Error("Layer-2 breaker survived the weekly rollover")
	}
}

func TestWeeklyDrawdownBreaker(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	// Mark-to-market loss keeps the daily layer (realized only) quiet;
	// at 10.4% drawdown the weekly cap trips before the session layer.
	m.RecordFill("A", types.SideYes, 4000, 0.40)
	m.MarkPosition("A", 0.14) // unrealized -$1,040

	active, reason := m.CircuitBreakerActive()
	if !active {
		t.Fatal("weekly drawdown breaker not latched")
	}
	if !strings.Contains(reason, "Layer-2") {
		t.Errorf("reason = %q, want Layer-2 tag", reason)
	}
}

func TestWeeklyAnchorExcludesUnrealized(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.dailyDate = utcMidnight(base)
	m.weekAnchor = mondayStart(base)

	// Carry an open mark-to-market loss across the Monday boundary.
	m.RecordFill("A", types.SideYes, 4000, 0.40)
	m.MarkPosition("A", 0.20) // unrealized -$800, equity $9,200

	// The new week anchors at realized equity ($10,000), so a further
	// slide to $8,900 is an 11% weekly drawdown and trips Layer 2. An
	// anchor at the depressed $9,200 would read it as only 3.3%.
	m.now = func() time.Time { return base.AddDate(0, 0, 7) }
	m.Metrics()
	m.MarkPosition("A", 0.125) // unrealized -$1,100

	active, reason := m.CircuitBreakerActive()
	if !active {
		t.Fatal("weekly drawdown breaker not latched")
	}
	if !strings.Contains(reason, "Layer-2") {
		t.Errorf("reason = %q, want Layer-2 tag", reason)
	}
}

func TestSessionDrawdownBreaker(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.dailyDate = utcMidnight(base)
	m.weekAnchor = mondayStart(base)

	// Run equity up to $11,000 on open marks: the session peak follows,
	// and nothing trips.
	m.RecordFill("A", types.SideYes, 4000, 0.40)
	m.MarkPosition("A", 0.65) // unrealized +$1,000
	if active, _ := m.CircuitBreakerActive(); active {
		t.Fatal("breaker latched on a gain")
	}

	// The weekly rollover re-anchors at realized equity ($10,000), not
	// at the marked-up peak. A drop to $9,300 is then 7% against the
	// week but 15.5% against the $11,000 session peak, so Layer 3
	// trips before the weekly cap.
	m.now = func() time.Time { return base.AddDate(0, 0, 7) }
	m.MarkPosition("A", 0.225) // unrealized -$700

	active, reason := m.CircuitBreakerActive()
	if !active {
		t.Fatal("session drawdown breaker not latched")
	}
	if !strings.Contains(reason, "Layer-3") {
		t.Errorf("reason = %q, want Layer-3 tag", reason)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordFill("A", types.SideYes, 100, 0.50)
	m.MarkPosition("A", 0.60)
	m.SetOpenOrders(3)

	got := m.Metrics()
	if got.TotalPositions != 1 {
		t.Errorf("total positions = %d, want 1", got.TotalPositions)
	}
	if got.OpenOrdersCount != 3 {
		t.Errorf("open orders = %d, want 3", got.OpenOrdersCount)
	}
	if math.Abs(got.TotalExposure-50) > 1e-9 {
		t.Errorf("exposure = %v, want 50", got.TotalExposure)
	}
	if math.Abs(got.UnrealizedPnL-10) > 1e-9 {
		t.Errorf("unrealized = %v, want 10", got.UnrealizedPnL)
	}
	if math.Abs(got.ExposureByMarket["A"]-50) > 1e-9 {
		t.Errorf("per-market exposure = %v, want 50", got.ExposureByMarket["A"])
	}
	if got.DailyLoss != 0 {
		t.Errorf("daily loss = %v, want 0 while profitable", got.DailyLoss)
	}
}

func TestMondayStart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2026, 8, 25, 15, 30, 0, 0, time.UTC), time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 8, 30, 23, 59, 0, 0, time.UTC), time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := mondayStart(tt.in); !got.Equal(tt.want) {
			t.Errorf("mondayStart(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
