package exchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kalshi-trading-bot/pkg/types"
)

// Wire formats for the Kalshi trade API. Prices on the wire are integer
// cents; the rest of the bot works in fractions, so conversion happens
// here and nowhere else.

// PriceToCents converts a fractional price to integer cents, rounding
// half away from zero (0.545 → 55). Fractions outside [0.01, 0.99] are
// refused before rounding, so 0.005 never sneaks in as 1 cent.
func PriceToCents(price float64) (int, error) {
	if price < 0.01 || price > 0.99 {
		return 0, types.NewError(types.ErrValidation,
			fmt.Sprintf("price %.4f outside the valid 1-99 cent range", price), nil)
	}
	cents := int(decimal.NewFromFloat(price).Mul(decimal.NewFromInt(100)).Round(0).IntPart())
	return cents, nil
}

// CentsToPrice converts integer cents back to a fraction.
func CentsToPrice(cents int) float64 {
	f, _ := decimal.NewFromInt(int64(cents)).Div(decimal.NewFromInt(100)).Float64()
	return f
}

// DollarsToCents converts a dollar amount to whole cents, rounding half
// away from zero. Used for buy_max_cost on market orders.
func DollarsToCents(dollars float64) int {
	return int(decimal.NewFromFloat(dollars).Mul(decimal.NewFromInt(100)).Round(0).IntPart())
}

// Orders

// OrderRequest is the POST /portfolio/orders body. Optional fields are
// pointers so absent values are omitted entirely; the exchange rejects
// explicit nulls for yes_price/no_price.
type OrderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`   // "yes" | "no"
	Action        string `json:"action"` // "buy" | "sell"
	Count         int    `json:"count"`
	Type          string `json:"type"` // "limit" | "market"

	YesPrice   *int `json:"yes_price,omitempty"` // cents; limit YES only
	NoPrice    *int `json:"no_price,omitempty"`  // cents; limit NO only
	BuyMaxCost *int `json:"buy_max_cost,omitempty"`

	TimeInForce  string `json:"time_in_force,omitempty"`
	PostOnly     *bool  `json:"post_only,omitempty"`
	ReduceOnly   *bool  `json:"reduce_only,omitempty"`
	ExpirationTS *int64 `json:"expiration_ts,omitempty"`
}

// OrderSnapshot is the exchange's view of one order. Status vocabulary is
// resting / canceled / executed; "executed" is the filled state.
type OrderSnapshot struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Ticker        string `json:"ticker"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Action        string `json:"action"`
	Type          string `json:"type"`

	YesPrice int `json:"yes_price"` // cents
	NoPrice  int `json:"no_price"`

	InitialCount   int `json:"initial_count"`
	RemainingCount int `json:"remaining_count"`
	FillCount      int `json:"fill_count"`
	TakerFillCost  int `json:"taker_fill_cost"` // cents
	MakerFillCost  int `json:"maker_fill_cost"` // cents

	CreatedTime time.Time `json:"created_time"`
}

// AverageFillPrice derives the mean fill price as a fraction from the
// exchange's cost accounting. Zero when nothing has filled.
func (o *OrderSnapshot) AverageFillPrice() float64 {
	if o.FillCount == 0 {
		return 0
	}
	return float64(o.TakerFillCost+o.MakerFillCost) / float64(o.FillCount) / 100
}

// AmendRequest is the POST /portfolio/orders/{id}/amend body.
type AmendRequest struct {
	UpdatedClientOrderID string `json:"updated_client_order_id"`
	YesPrice             *int   `json:"yes_price,omitempty"`
	NoPrice              *int   `json:"no_price,omitempty"`
	Count                *int   `json:"count,omitempty"`
}

// DecreaseRequest is the POST /portfolio/orders/{id}/decrease body.
// Exactly one of ReduceBy / ReduceTo must be set.
type DecreaseRequest struct {
	ReduceBy *int `json:"reduce_by,omitempty"`
	ReduceTo *int `json:"reduce_to,omitempty"`
}

// AmendResult carries both the replacement order and the superseded one.
type AmendResult struct {
	Order    OrderSnapshot `json:"order"`
	OldOrder OrderSnapshot `json:"old_order"`
}

// CancelResult is the DELETE /portfolio/orders/{id} response.
type CancelResult struct {
	Order     OrderSnapshot `json:"order"`
	ReducedBy int           `json:"reduced_by"`
}

// BatchItemResult is one entry of a batch place/cancel response.
type BatchItemResult struct {
	Order *OrderSnapshot `json:"order,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Portfolio

// Balance is the GET /portfolio/balance response.
type Balance struct {
	BalanceCents        int64 `json:"balance"`
	PortfolioValueCents int64 `json:"portfolio_value"`
}

// ExchangePosition is one exchange-side market position.
type ExchangePosition struct {
	Ticker         string `json:"ticker"`
	Position       int    `json:"position"` // signed: + YES contracts, - NO
	MarketExposure int    `json:"market_exposure"`
	RealizedPnL    int    `json:"realized_pnl"`
	TotalTraded    int    `json:"total_traded"`
}

// Fill is one execution from GET /portfolio/fills.
type Fill struct {
	TradeID     string    `json:"trade_id"`
	OrderID     string    `json:"order_id"`
	Ticker      string    `json:"ticker"`
	Side        string    `json:"side"`
	Action      string    `json:"action"`
	Count       int       `json:"count"`
	YesPrice    int       `json:"yes_price"` // cents
	NoPrice     int       `json:"no_price"`
	IsTaker     bool      `json:"is_taker"`
	CreatedTime time.Time `json:"created_time"`
}

// Price returns the fill price as a fraction on the fill's own side.
func (f *Fill) Price() float64 {
	if f.Side == "no" {
		return CentsToPrice(f.NoPrice)
	}
	return CentsToPrice(f.YesPrice)
}

// Settlement is one entry from GET /portfolio/settlements.
type Settlement struct {
	Ticker       string    `json:"ticker"`
	MarketResult string    `json:"market_result"` // "yes" | "no"
	YesCount     int       `json:"yes_count"`
	NoCount      int       `json:"no_count"`
	RevenueCents int64     `json:"revenue"`
	SettledTime  time.Time `json:"settled_time"`
}

// Response envelopes

type marketsResponse struct {
	Markets []marketJSON `json:"markets"`
	Cursor  string       `json:"cursor"`
}

type marketResponse struct {
	Market marketJSON `json:"market"`
}

type orderbookResponse struct {
	Orderbook struct {
		Yes [][2]int `json:"yes"` // [price_cents, size]
		No  [][2]int `json:"no"`
	} `json:"orderbook"`
}

type orderResponse struct {
	Order OrderSnapshot `json:"order"`
}

type ordersResponse struct {
	Orders []OrderSnapshot `json:"orders"`
	Cursor string          `json:"cursor"`
}

type positionsResponse struct {
	MarketPositions []ExchangePosition `json:"market_positions"`
}

// FillsPage is one cursor page of fills.
type FillsPage struct {
	Fills  []Fill `json:"fills"`
	Cursor string `json:"cursor"`
}

// SettlementsPage is one cursor page of settlements.
type SettlementsPage struct {
	Settlements []Settlement `json:"settlements"`
	Cursor      string       `json:"cursor"`
}

type queuePositionResponse struct {
	QueuePosition int `json:"queue_position"`
}

type batchPlaceRequest struct {
	Orders []OrderRequest `json:"orders"`
}

type batchPlaceResponse struct {
	Orders []BatchItemResult `json:"orders"`
}

type batchCancelRequest struct {
	IDs []string `json:"ids"`
}

type batchCancelResponse struct {
	Orders []BatchItemResult `json:"orders"`
}

// marketJSON is the raw market payload. The exchange reports both legacy
// cent fields and *_dollars string fields; cents are authoritative here.
type marketJSON struct {
	Ticker      string `json:"ticker"`
	EventTicker string `json:"event_ticker"`
	Title       string `json:"title"`
	YesSubTitle string `json:"yes_sub_title"`
	Status      string `json:"status"`

	FloorStrike      *float64 `json:"floor_strike,omitempty"`
	CapStrike        *float64 `json:"cap_strike,omitempty"`
	FunctionalStrike string   `json:"functional_strike,omitempty"`

	OpenTime       time.Time `json:"open_time"`
	CloseTime      time.Time `json:"close_time"`
	ExpirationTime time.Time `json:"expiration_time"`

	LastPrice int `json:"last_price"` // cents; 0 = no trade yet
	YesBid    int `json:"yes_bid"`
	YesAsk    int `json:"yes_ask"`
	NoBid     int `json:"no_bid"`
	NoAsk     int `json:"no_ask"`

	Volume    int `json:"volume"`
	Volume24h int `json:"volume_24h"`
}

// toMarket converts the wire market into the internal model. The
// 15-minute window is the open→expiration span; no_price derives from
// 1-yes when the exchange gives only a last YES price.
func (m *marketJSON) toMarket() types.Market {
	out := types.Market{
		Ticker:         m.Ticker,
		EventTicker:    m.EventTicker,
		Title:          m.Title,
		Direction:      "up",
		WindowStart:    m.OpenTime,
		WindowEnd:      m.ExpirationTime,
		CloseTime:      m.CloseTime,
		ExpirationTime: m.ExpirationTime,
		Status:         types.MarketStatus(m.Status),
		Volume:         m.Volume,
		Volume24h:      m.Volume24h,
	}

	if strings.Contains(strings.ToLower(m.YesSubTitle), "below") {
		out.Direction = "down"
	}

	switch {
	case m.FloorStrike != nil:
		out.StrikePrice = *m.FloorStrike
	case m.CapStrike != nil:
		out.StrikePrice = *m.CapStrike
	case m.FunctionalStrike != "":
		fmt.Sscanf(m.FunctionalStrike, "%f", &out.StrikePrice)
	}

	if m.LastPrice > 0 {
		yes := CentsToPrice(m.LastPrice)
		out.YesPrice = types.Float(yes)
		out.NoPrice = types.Float(1 - yes)
	}
	if m.YesBid > 0 {
		out.YesBid = types.Float(CentsToPrice(m.YesBid))
	}
	if m.YesAsk > 0 {
		out.YesAsk = types.Float(CentsToPrice(m.YesAsk))
	}
	if m.NoBid > 0 {
		out.NoBid = types.Float(CentsToPrice(m.NoBid))
	}
	if m.NoAsk > 0 {
		out.NoAsk = types.Float(CentsToPrice(m.NoAsk))
	}
	return out
}
