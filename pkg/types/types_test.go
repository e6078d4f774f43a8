package types

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTradeStatusIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status TradeStatus
		want   bool
	}{
		{TradePending, false},
		{TradeSubmitted, false},
		{TradeFilled, true},
		{TradeCancelled, true},
		{TradeRejected, true},
		{TradeFailed, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("TradeStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestTradeStatusCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to TradeStatus
		want     bool
	}{
		{TradePending, TradeSubmitted, true},
		{TradePending, TradeRejected, true},
		{TradePending, TradeFilled, true}, // dry-run paper fill
		{TradeSubmitted, TradeFilled, true},
		{TradeSubmitted, TradeCancelled, true},
		{TradeSubmitted, TradeRejected, true}, // exchange-side rejection
		{TradeRejected, TradeSubmitted, false},
		{TradeFilled, TradeCancelled, false},
		{TradeCancelled, TradeSubmitted, false},
		{TradeFailed, TradeFilled, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%q -> %q = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMarketIsTradeable(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := &Market{
		Status:      MarketActive,
		WindowStart: now.Add(-5 * time.Minute),
		WindowEnd:   now.Add(10 * time.Minute),
		CloseTime:   now.Add(10 * time.Minute),
	}
	if !m.IsTradeable() {
		t.Error("active market before close_time should be tradeable")
	}
	if !m.IsActive() {
		t.Error("market inside its window should be active")
	}

	m.Status = MarketSuspended
	if m.IsTradeable() {
		t.Error("suspended market should not be tradeable")
	}
	if m.IsActive() {
		t.Error("suspended market should not be active")
	}

	m.Status = MarketOpen
	m.CloseTime = now.Add(-time.Second)
	if m.IsTradeable() {
		t.Error("market past close_time should not be tradeable")
	}
}

func TestMarketTimeRemaining(t *testing.T) {
	t.Parallel()

	m := &Market{WindowEnd: time.Now().Add(-time.Minute)}
	if got := m.TimeRemaining(); got != 0 {
		t.Errorf("TimeRemaining() after window end = %v, want 0", got)
	}

	m.WindowEnd = time.Now().Add(5 * time.Minute)
	if got := m.TimeRemaining(); got < 299 || got > 300 {
		t.Errorf("TimeRemaining() = %v, want ~300", got)
	}
}

func TestMarketNoProb(t *testing.T) {
	t.Parallel()

	m := &Market{}
	if _, ok := m.NoProb(); ok {
		t.Error("NoProb() with no prices should report not-ok")
	}

	m.YesPrice = Float(0.62)
	got, ok := m.NoProb()
	if !ok || got < 0.379 || got > 0.381 {
		t.Errorf("NoProb() derived = %v, %v, want ~0.38", got, ok)
	}

	m.NoPrice = Float(0.35)
	got, ok = m.NoProb()
	if !ok || got != 0.35 {
		t.Errorf("NoProb() explicit = %v, %v, want 0.35", got, ok)
	}
}

func TestOrderbookBestAsks(t *testing.T) {
	t.Parallel()

	ob := &Orderbook{Ticker: "KXSOL15M-TEST-T190"}
	if _, ok := ob.BestYesAsk(); ok {
		t.Error("empty book should have no best YES ask")
	}

	ob.YesAsks = []OrderbookLevel{
		{Price: 0.45, Size: 100},
		{Price: 0.42, Size: 25},
		{Price: 0.50, Size: 10},
	}
	ob.NoAsks = []OrderbookLevel{{Price: 0.58, Size: 40}}

	if got, ok := ob.BestYesAsk(); !ok || got != 0.42 {
		t.Errorf("BestYesAsk() = %v, %v, want 0.42", got, ok)
	}
	if got, ok := ob.BestNoAsk(); !ok || got != 0.58 {
		t.Errorf("BestNoAsk() = %v, %v, want 0.58", got, ok)
	}
}

func TestSignalIsValid(t *testing.T) {
	t.Parallel()

	s := &Signal{ExpiresAt: time.Now().Add(30 * time.Second)}
	if !s.IsValid() {
		t.Error("unexpired signal should be valid")
	}
	s.ExpiresAt = time.Now().Add(-time.Second)
	if s.IsValid() {
		t.Error("expired signal should not be valid")
	}
}

func TestPositionUnrealizedAt(t *testing.T) {
	t.Parallel()

	p := &Position{Side: SideYes, Quantity: 10, AverageEntryPrice: 0.40}
	if got := p.UnrealizedAt(0.55); got < 1.499 || got > 1.501 {
		t.Errorf("UnrealizedAt(0.55) = %v, want 1.50", got)
	}
	if got := p.UnrealizedAt(0.30); got > -0.999 || got < -1.001 {
		t.Errorf("UnrealizedAt(0.30) = %v, want -1.00", got)
	}
}

func TestTradingErrorKind(t *testing.T) {
	t.Parallel()

	base := errors.New("dial tcp: connection refused")
	err := NewError(ErrRateLimited, "429 from exchange", base)

	if got := KindOf(err); got != ErrRateLimited {
		t.Errorf("KindOf() = %q, want %q", got, ErrRateLimited)
	}
	if !errors.Is(err, base) {
		t.Error("TradingError should unwrap to the underlying error")
	}

	wrapped := fmt.Errorf("placing order: %w", err)
	if got := KindOf(wrapped); got != ErrRateLimited {
		t.Errorf("KindOf(wrapped) = %q, want %q", got, ErrRateLimited)
	}

	if got := KindOf(errors.New("mystery")); got != ErrTransientNetwork {
		t.Errorf("KindOf(unclassified) = %q, want %q", got, ErrTransientNetwork)
	}
}
