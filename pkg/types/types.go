// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: markets, orderbooks,
// strategy signals, trades, positions, risk metrics, and the closed set of
// error kinds used at component boundaries. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"errors"
	"fmt"
	"time"
)

// Core enums

// MarketStatus enumerates exchange market lifecycle states.
type MarketStatus string

const (
	MarketOpen      MarketStatus = "open"
	MarketActive    MarketStatus = "active" // the exchange reports "active" for live markets
	MarketClosed    MarketStatus = "closed"
	MarketSettled   MarketStatus = "settled"
	MarketSuspended MarketStatus = "suspended"
)

// Side is the contract side of a trade or position: YES or NO.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// SignalDirection is the side a strategy wants to buy.
type SignalDirection string

const (
	DirectionYes SignalDirection = "yes"
	DirectionNo  SignalDirection = "no"
)

// SignalStrength buckets edge magnitude above the emission threshold.
type SignalStrength string

const (
	StrengthLow    SignalStrength = "low"    // edge below 7%
	StrengthMedium SignalStrength = "medium" // edge 7–10%
	StrengthHigh   SignalStrength = "high"   // edge 10% and up
)

// TradeStatus is the internal trade state machine. Allowed transitions:
// pending → submitted|rejected|failed|cancelled,
// submitted → filled|cancelled|rejected|failed. Terminal states admit none.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeSubmitted TradeStatus = "submitted"
	TradeFilled    TradeStatus = "filled"
	TradeCancelled TradeStatus = "cancelled"
	TradeRejected  TradeStatus = "rejected"
	TradeFailed    TradeStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case TradeFilled, TradeCancelled, TradeRejected, TradeFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal step in
// the trade state machine.
func (s TradeStatus) CanTransition(next TradeStatus) bool {
	switch s {
	case TradePending:
		return next == TradeSubmitted || next == TradeRejected ||
			next == TradeFailed || next == TradeCancelled || next == TradeFilled
	case TradeSubmitted:
		return next == TradeFilled || next == TradeCancelled ||
			next == TradeRejected || next == TradeFailed
	}
	return false
}

// Market metadata

// Market is the internal representation of one 15-minute binary contract.
// Populated fresh from the exchange each loop tick; never persisted.
// Prices are fractions in [0, 1]; a nil pointer means the exchange did not
// report that field.
type Market struct {
	Ticker      string `json:"ticker"`       // e.g. KXSOL15M-25AUG241315-T190
	EventTicker string `json:"event_ticker"` // event series ticker
	Title       string `json:"title"`

	StrikePrice float64 `json:"strike_price"` // underlying strike for this window
	Direction   string  `json:"direction"`    // "up" (YES pays above strike) or "down"

	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	CloseTime      time.Time `json:"close_time"`      // trading halts here
	ExpirationTime time.Time `json:"expiration_time"` // settlement

	Status MarketStatus `json:"status"`

	YesPrice *float64 `json:"yes_price,omitempty"` // last YES trade price
	NoPrice  *float64 `json:"no_price,omitempty"`
	YesBid   *float64 `json:"yes_bid,omitempty"`
	YesAsk   *float64 `json:"yes_ask,omitempty"`
	NoBid    *float64 `json:"no_bid,omitempty"`
	NoAsk    *float64 `json:"no_ask,omitempty"`

	Volume    int `json:"volume"`
	Volume24h int `json:"volume_24h"`
}

// IsTradeable reports whether orders can currently be placed: status is
// open or active and trading has not halted.
func (m *Market) IsTradeable() bool {
	return (m.Status == MarketOpen || m.Status == MarketActive) &&
		time.Now().Before(m.CloseTime)
}

// IsActive reports whether now falls inside the 15-minute window and the
// market has not reached a final state.
func (m *Market) IsActive() bool {
	switch m.Status {
	case MarketClosed, MarketSettled, MarketSuspended:
		return false
	}
	now := time.Now()
	return !now.Before(m.WindowStart) && now.Before(m.WindowEnd)
}

// TimeRemaining returns seconds until the window end, floored at zero.
func (m *Market) TimeRemaining() float64 {
	rem := time.Until(m.WindowEnd).Seconds()
	if rem < 0 {
		return 0
	}
	return rem
}

// NoProb returns the NO-side probability, deriving 1-yes when the
// exchange omitted a NO price.
func (m *Market) NoProb() (float64, bool) {
	if m.NoPrice != nil {
		return *m.NoPrice, true
	}
	if m.YesPrice != nil {
		return 1 - *m.YesPrice, true
	}
	return 0, false
}

// Orderbook

// OrderbookLevel is a single resting price level. Price is a fraction,
// Size is in contracts.
type OrderbookLevel struct {
	Price float64 `json:"price"`
	Size  int     `json:"size"`
}

// Orderbook is a per-tick snapshot of one market's book. The exchange
// quotes both contract sides as asks (offers to sell YES or NO at the
// given price). Snapshots are ephemeral: fetched, consumed, discarded.
type Orderbook struct {
	Ticker    string           `json:"ticker"`
	YesAsks   []OrderbookLevel `json:"yes_asks"`
	NoAsks    []OrderbookLevel `json:"no_asks"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// BestYesAsk returns the lowest YES ask, if any level exists.
func (ob *Orderbook) BestYesAsk() (float64, bool) { return bestAsk(ob.YesAsks) }

// BestNoAsk returns the lowest NO ask, if any level exists.
func (ob *Orderbook) BestNoAsk() (float64, bool) { return bestAsk(ob.NoAsks) }

func bestAsk(levels []OrderbookLevel) (float64, bool) {
	if len(levels) == 0 {
		return 0, false
	}
	best := levels[0].Price
	for _, l := range levels[1:] {
		if l.Price < best {
			best = l.Price
		}
	}
	return best, true
}

// Signals

// Signal is emitted by a strategy when its model disagrees with the
// market by at least the minimum edge. On emission the model probability
// on the chosen side meets the strategy's probability threshold and Edge
// meets its edge threshold.
type Signal struct {
	StrategyName string          `json:"strategy_name"`
	Ticker       string          `json:"ticker"`
	Direction    SignalDirection `json:"direction"`
	Strength     SignalStrength  `json:"strength"`

	TrueProbability   float64 `json:"true_probability"`   // model prob on the chosen side
	MarketProbability float64 `json:"market_probability"` // market price on the chosen side
	Edge              float64 `json:"edge"`               // true - market

	RecommendedQuantity int     `json:"recommended_quantity"` // >= 1
	RecommendedPrice    float64 `json:"recommended_price"`    // in [0.01, 0.99]
	Confidence          float64 `json:"confidence"`           // [0, 1]

	Reasoning string             `json:"reasoning,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IsValid reports whether the signal has not expired.
func (s *Signal) IsValid() bool {
	return time.Now().Before(s.ExpiresAt)
}

// Trades and positions

// Trade tracks one order through its lifecycle. ID is the internal UUID.
// ExchangeOrderID is set only once the exchange accepts the order; it is
// never set in dry-run mode.
type Trade struct {
	ID              string `json:"trade_id"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
	ClientOrderID   string `json:"client_order_id,omitempty"`

	Ticker    string    `json:"ticker"`
	Side      Side      `json:"side"`
	OrderType OrderType `json:"order_type"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price"` // limit price as a fraction

	Status TradeStatus `json:"status"`

	FilledQuantity   int      `json:"filled_quantity"`
	AverageFillPrice float64  `json:"average_fill_price,omitempty"`
	Cost             float64  `json:"cost,omitempty"`
	PnL              *float64 `json:"pnl,omitempty"` // realized at settlement; nil until then

	StrategyName string  `json:"strategy_name,omitempty"`
	Edge         float64 `json:"edge,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`

	DryRun bool   `json:"dry_run"`
	Notes  string `json:"notes,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	SubmittedAt time.Time `json:"submitted_at,omitzero"`
	FilledAt    time.Time `json:"filled_at,omitzero"`
	CancelledAt time.Time `json:"cancelled_at,omitzero"`
}

// Position is the bot's holding in one market. At most one position per
// ticker exists at any time.
type Position struct {
	Ticker            string    `json:"ticker"`
	Side              Side      `json:"side"`
	Quantity          int       `json:"quantity"`
	AverageEntryPrice float64   `json:"average_entry_price"`
	CurrentPrice      float64   `json:"current_price"`
	UnrealizedPnL     float64   `json:"unrealized_pnl"`
	EntryTime         time.Time `json:"entry_time"`
	MaxLoss           float64   `json:"max_loss"` // qty * entry price
	MaxGain           float64   `json:"max_gain"` // qty * (1 - entry price)
	LastUpdated       time.Time `json:"last_updated"`
}

// UnrealizedAt marks the position to the given price on its own side.
func (p *Position) UnrealizedAt(price float64) float64 {
	return float64(p.Quantity) * (price - p.AverageEntryPrice)
}

// RiskMetrics is the aggregate risk snapshot, rebuilt on every admission
// check and trade/settlement record.
type RiskMetrics struct {
	TotalPositions  int     `json:"total_positions"`
	OpenOrdersCount int     `json:"open_orders_count"`
	TotalExposure   float64 `json:"total_exposure"`

	DailyPnL      float64 `json:"daily_pnl"`
	DailyLoss     float64 `json:"daily_loss"` // min(0, daily realized pnl)
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`

	MaxDrawdown     float64 `json:"max_drawdown"`
	CurrentDrawdown float64 `json:"current_drawdown"` // session, from equity peak
	WeeklyDrawdown  float64 `json:"weekly_drawdown"`

	WinRate    float64 `json:"win_rate"`
	EVPerTrade float64 `json:"ev_per_trade"`

	CircuitBreakerTriggered bool   `json:"circuit_breaker_triggered"`
	CircuitBreakerReason    string `json:"circuit_breaker_reason,omitempty"`

	ExposureByMarket map[string]float64 `json:"exposure_by_market,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
}

// PricePoint is one spot-price observation in the rolling history window.
type PricePoint struct {
	Price       float64 `json:"price"`
	TimestampMS int64   `json:"timestamp"` // unix milliseconds
}

// Error kinds

// ErrorKind is the closed set of failure categories recognized at
// component boundaries. Callers switch on the kind, never on error text.
type ErrorKind string

const (
	ErrTransientNetwork    ErrorKind = "transient_network"    // conn refused, timeout, 5xx
	ErrRateLimited         ErrorKind = "rate_limited"         // 429
	ErrIdempotentDuplicate ErrorKind = "idempotent_duplicate" // 409 on POST with our client id
	ErrValidation          ErrorKind = "validation"           // 4xx request rejection
	ErrExchangeRejection   ErrorKind = "exchange_rejection" // order accepted then rejected
	ErrMarketUnavailable   ErrorKind = "market_unavailable" // closed, settled, or halted
	ErrStateGate           ErrorKind = "state_gate"         // risk or edge gate refusal
	ErrDataGap             ErrorKind = "data_gap"           // missing history or spot price
	ErrOperatorHalt        ErrorKind = "operator_halt"      // emergency halt engaged
)

// TradingError tags an error with one of the closed kinds and a short
// operator-readable reason.
type TradingError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *TradingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *TradingError) Unwrap() error { return e.Err }

// NewError builds a TradingError wrapping err (err may be nil).
func NewError(kind ErrorKind, reason string, err error) *TradingError {
	return &TradingError{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the ErrorKind from an error chain. Unclassified errors
// report ErrTransientNetwork, the only kind that is always safe to retry.
func KindOf(err error) ErrorKind {
	var te *TradingError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrTransientNetwork
}

// Float pointer helper for optional price fields.
func Float(v float64) *float64 { return &v }
