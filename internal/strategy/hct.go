package strategy

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"kalshi-trading-bot/internal/config"
	"kalshi-trading-bot/pkg/types"
)

const (
	// Seconds in a Julian year; annualization factor for per-second
	// returns.
	secondsPerYear = 31_557_600

	volLambda           = 0.94   // EWMA decay
	microstructureFloor = 0.0007 // vol floor numerator, divided by sqrt(T)
	minSamples          = 5

	momentumWindow    = 60 * time.Second
	volRegimeLookback = 300 * time.Second
	volSpikeThreshold = 2.0

	asymmetryRatioCap = 5.0 // risk/reward above this halves the size
	sizingFloorPct    = 0.005
	sizingCeilingPct  = 0.02
)

// HighConfidence is the built-in strategy: it estimates the probability
// of the underlying finishing above the strike from trailing spot data
// and trades only when the model is near-certain and the market price
// disagrees by a wide margin.
type HighConfidence struct {
	enabledFlag

	cfg    config.StrategyConfig
	logger *slog.Logger

	// randn is swappable for deterministic Monte-Carlo tests.
	randn func() float64

	mu       sync.Mutex
	bankroll float64
}

// NewHighConfidence builds the strategy from config.
func NewHighConfidence(cfg config.StrategyConfig, logger *slog.Logger) *HighConfidence {
	h := &HighConfidence{
		cfg:      cfg,
		logger:   logger.With("strategy", "high_confidence_threshold"),
		randn:    rand.NormFloat64,
		bankroll: cfg.Bankroll,
	}
	h.SetEnabled(true)
	return h
}

// Name implements Strategy.
func (h *HighConfidence) Name() string { return "high_confidence_threshold" }

// Bankroll exposes the current capital base for sizing.
func (h *HighConfidence) Bankroll() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bankroll
}

// SetBankroll replaces the capital base, e.g. when the operator confirms
// a new bankroll or the live balance lands.
func (h *HighConfidence) SetBankroll(bankroll float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bankroll = bankroll
}

// Analyze implements Strategy. Gates run in order; the first failure
// returns nil.
func (h *HighConfidence) Analyze(market *types.Market, spotPrice float64, history []types.PricePoint, orderbook *types.Orderbook) *types.Signal {
	if !market.IsTradeable() {
		return nil
	}

	timeRemaining := market.TimeRemaining()
	if timeRemaining < h.cfg.MinTimeRemaining.Seconds() {
		h.logger.Debug("too close to expiry", "ticker", market.Ticker, "remaining_s", timeRemaining)
		return nil
	}
	if timeRemaining > h.cfg.MaxTimeRemaining.Seconds() {
		h.logger.Debug("too far from expiry", "ticker", market.Ticker, "remaining_s", timeRemaining)
		return nil
	}

	if market.YesPrice == nil || *market.YesPrice <= 0 || *market.YesPrice >= 1 {
		h.logger.Warn("invalid market probability", "ticker", market.Ticker)
		return nil
	}
	yesPrice := *market.YesPrice
	noPrice, _ := market.NoProb()

	if len(history) < minSamples {
		h.logger.Debug("insufficient price history", "samples", len(history))
		return nil
	}

	vol := ewmaVolatility(history)
	if vol <= 0 {
		h.logger.Warn("invalid volatility")
		return nil
	}

	// Microstructure floor prevents false certainty near expiry.
	tYears := timeRemaining / secondsPerYear
	floor := microstructureFloor
	if tYears > 0 {
		floor = microstructureFloor / math.Sqrt(tYears)
	}
	vol = math.Max(vol, floor)

	if volatilitySpike(history) {
		h.logger.Info("volatility clustering detected, skipping", "ticker", market.Ticker)
		return nil
	}

	drift := momentumDrift(history)

	var pTrue float64
	if h.cfg.UseMonteCarlo {
		pTrue = h.monteCarloProbability(spotPrice, market.StrikePrice, tYears, vol, drift)
	} else {
		pTrue = closedFormProbability(spotPrice, market.StrikePrice, tYears, vol, drift)
	}

	// Both sides are candidates; the larger edge wins, YES wins ties.
	direction, prob, marketProb, edge, ok := h.chooseSide(pTrue, yesPrice, noPrice)
	if !ok {
		h.logger.Debug("no side passes thresholds",
			"ticker", market.Ticker, "p_true", pTrue, "yes_price", yesPrice)
		return nil
	}

	strength := categorizeStrength(edge)
	quantity := h.positionSize(edge, marketProb)
	price := recommendedPrice(direction, market, orderbook)

	sig := &types.Signal{
		StrategyName:        h.Name(),
		Ticker:              market.Ticker,
		Direction:           direction,
		Strength:            strength,
		TrueProbability:     prob,
		MarketProbability:   marketProb,
		Edge:                edge,
		RecommendedQuantity: quantity,
		RecommendedPrice:    price,
		Confidence:          confidenceFor(strength),
		Reasoning: fmt.Sprintf(
			"model_prob=%.1f%% market_price=%.1f%% edge=%.1f%% vol=%.3f time=%.1fmin drift=%.4f",
			prob*100, marketProb*100, edge*100, vol, timeRemaining/60, drift),
		Metrics: map[string]float64{
			"model_probability":      prob,
			"market_probability":     marketProb,
			"edge":                   edge,
			"volatility":             vol,
			"time_remaining_seconds": timeRemaining,
			"strike_price":           market.StrikePrice,
			"spot_price":             spotPrice,
			"momentum_drift":         drift,
			"risk_amount":            float64(quantity) * marketProb,
			"reward_potential":       float64(quantity) * (1 - marketProb),
		},
		GeneratedAt: time.Now(),
		ExpiresAt:   signalExpiry(h.cfg.SignalTTL, market.CloseTime),
	}

	h.logger.Info("high-confidence signal",
		"ticker", market.Ticker, "direction", direction, "edge", edge,
		"probability", prob, "quantity", quantity, "price", price)
	return sig
}

// chooseSide evaluates YES and NO candidates against the probability and
// edge thresholds.
func (h *HighConfidence) chooseSide(pTrue, yesPrice, noPrice float64) (types.SignalDirection, float64, float64, float64, bool) {
	edgeYes := pTrue - yesPrice
	edgeNo := (1 - pTrue) - noPrice

	yesOK := pTrue >= h.cfg.MinProbability && edgeYes >= h.cfg.MinEdge
	noOK := (1-pTrue) >= h.cfg.MinProbability && edgeNo >= h.cfg.MinEdge

	switch {
	case yesOK && noOK:
		if edgeNo > edgeYes {
			return types.DirectionNo, 1 - pTrue, noPrice, edgeNo, true
		}
		return types.DirectionYes, pTrue, yesPrice, edgeYes, true
	case yesOK:
		return types.DirectionYes, pTrue, yesPrice, edgeYes, true
	case noOK:
		return types.DirectionNo, 1 - pTrue, noPrice, edgeNo, true
	}
	return "", 0, 0, 0, false
}

// positionSize applies fractional Kelly with an asymmetry haircut and a
// floor/ceiling on the dollar allocation.
func (h *HighConfidence) positionSize(edge, marketPrice float64) int {
	if edge <= 0 || marketPrice <= 0 || marketPrice >= 1 {
		return 1
	}

	fraction := edge / marketPrice * h.cfg.KellyFraction
	if marketPrice/(1-marketPrice) > asymmetryRatioCap {
		fraction *= 0.5
	}

	bankroll := h.Bankroll()
	dollars := bankroll * fraction
	floor := bankroll * sizingFloorPct
	ceiling := bankroll * sizingCeilingPct
	dollars = math.Max(floor, math.Min(ceiling, dollars))

	quantity := int(dollars / marketPrice)
	if quantity < 1 {
		return 1
	}
	return quantity
}

// monteCarloProbability estimates P(S_T > K) from GBM terminal draws.
func (h *HighConfidence) monteCarloProbability(s0, k, tYears, sigma, mu float64) float64 {
	if tYears <= 0 || sigma <= 0 || s0 <= 0 || k <= 0 {
		return 0.5
	}
	paths := h.cfg.MonteCarloPaths
	if paths <= 0 {
		paths = 10_000
	}

	drift := (mu - 0.5*sigma*sigma) * tYears
	diffusion := sigma * math.Sqrt(tYears)

	above := 0
	for i := 0; i < paths; i++ {
		if s0*math.Exp(drift+diffusion*h.randn()) > k {
			above++
		}
	}
	return clampProbability(float64(above) / float64(paths))
}

// ewmaVolatility computes annualized EWMA volatility over log returns,
// iterated most-recent-first so fresh moves carry the most weight.
func ewmaVolatility(history []types.PricePoint) float64 {
	returns := logReturns(sortedByTime(history))
	if len(returns) == 0 {
		return 0
	}

	variance := 0.0
	for i := len(returns) - 1; i >= 0; i-- {
		r := returns[i]
		variance = volLambda*variance + (1-volLambda)*r*r
	}
	return math.Sqrt(variance * secondsPerYear)
}

// momentumDrift is the annualized average log return in the trailing
// momentum window.
func momentumDrift(history []types.PricePoint) float64 {
	if len(history) < 2 {
		return 0
	}
	recent := trailingWindow(history, momentumWindow)
	returns := logReturns(sortedByTime(recent))
	if len(returns) == 0 {
		return 0
	}

	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	return sum / float64(len(returns)) * secondsPerYear
}

// volatilitySpike reports whether recent realized volatility is running
// more than volSpikeThreshold times the trailing average, meaning the
// model's stationarity assumption is off.
func volatilitySpike(history []types.PricePoint) bool {
	if len(history) < 20 {
		return false
	}
	recent := trailingWindow(history, volRegimeLookback)
	if len(recent) < 10 {
		return false
	}
	returns := logReturns(sortedByTime(recent))
	if len(returns) < 5 {
		return false
	}

	split := int(float64(len(returns)) * 0.8)
	recentVol := stddev(returns[split:])
	historicalVol := stddev(returns[:split])

	return historicalVol > 0 && recentVol/historicalVol > volSpikeThreshold
}

// closedFormProbability is P(S_T > K) = Φ(d) under GBM with drift mu.
func closedFormProbability(s0, k, tYears, sigma, mu float64) float64 {
	if tYears <= 0 || sigma <= 0 || s0 <= 0 || k <= 0 {
		return 0.5
	}
	d := (math.Log(s0/k) + (mu-0.5*sigma*sigma)*tYears) / (sigma * math.Sqrt(tYears))
	return clampProbability(normalCDF(d))
}

// normalCDF is the standard normal cumulative distribution.
func normalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func clampProbability(p float64) float64 {
	return math.Max(0.001, math.Min(0.999, p))
}

func categorizeStrength(edge float64) types.SignalStrength {
	switch {
	case edge >= 0.10:
		return types.StrengthHigh
	case edge >= 0.07:
		return types.StrengthMedium
	default:
		return types.StrengthLow
	}
}

func confidenceFor(strength types.SignalStrength) float64 {
	switch strength {
	case types.StrengthHigh:
		return 0.9
	case types.StrengthMedium:
		return 0.75
	default:
		return 0.6
	}
}

// recommendedPrice improves the best ask by one cent when a book is
// available; otherwise it falls back to the last market price.
func recommendedPrice(direction types.SignalDirection, market *types.Market, orderbook *types.Orderbook) float64 {
	var last, bestAsk float64
	var haveAsk bool

	if direction == types.DirectionYes {
		if market.YesPrice != nil {
			last = *market.YesPrice
		}
		if orderbook != nil {
			bestAsk, haveAsk = orderbook.BestYesAsk()
		}
	} else {
		last, _ = market.NoProb()
		if orderbook != nil {
			bestAsk, haveAsk = orderbook.BestNoAsk()
		}
	}

	if haveAsk {
		return math.Max(0.01, bestAsk-0.01)
	}
	return last
}

func signalExpiry(ttl time.Duration, closeTime time.Time) time.Time {
	if ttl <= 0 {
		return closeTime
	}
	expiry := time.Now().Add(ttl)
	if !closeTime.IsZero() && closeTime.Before(expiry) {
		return closeTime
	}
	return expiry
}

func sortedByTime(history []types.PricePoint) []types.PricePoint {
	out := make([]types.PricePoint, len(history))
	copy(out, history)
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMS < out[j].TimestampMS })
	return out
}

func logReturns(sorted []types.PricePoint) []float64 {
	if len(sorted) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1].Price, sorted[i].Price
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	return returns
}

// trailingWindow keeps points within the window ending at the newest
// sample's timestamp.
func trailingWindow(history []types.PricePoint, window time.Duration) []types.PricePoint {
	var newest int64
	for _, p := range history {
		if p.TimestampMS > newest {
			newest = p.TimestampMS
		}
	}
	cutoff := newest - window.Milliseconds()

	var out []types.PricePoint
	for _, p := range history {
		if p.TimestampMS >= cutoff {
			out = append(out, p)
		}
	}
	return out
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	variance := 0.0
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	return math.Sqrt(variance / float64(len(xs)))
}
