// Package spot fetches the underlying's live price from public HTTP
// endpoints. Two independent sources are configured; the fallback is
// consulted only when the primary fails. Neither requires auth.
package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"kalshi-trading-bot/internal/config"
	"kalshi-trading-bot/pkg/types"
)

// Source fetches the current spot price with primary/fallback routing.
type Source struct {
	http        *resty.Client
	primaryURL  string
	fallbackURL string
	klineURL    string
	logger      *slog.Logger
}

// NewSource builds a spot source from config. Both endpoints share one
// short-timeout client; a stuck spot fetch must not stall the trading
// tick.
func NewSource(cfg config.SpotConfig, logger *slog.Logger) *Source {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Source{
		http:        resty.New().SetTimeout(timeout),
		primaryURL:  cfg.PrimaryURL,
		fallbackURL: cfg.FallbackURL,
		klineURL:    cfg.KlineURL,
		logger:      logger,
	}
}

// Price returns the current spot price, trying primary then fallback.
func (s *Source) Price(ctx context.Context) (float64, error) {
	price, primaryErr := s.fetchPrimary(ctx)
	if primaryErr == nil {
		return price, nil
	}
	s.logger.Warn("primary spot source failed, trying fallback", "error", primaryErr)

	if s.fallbackURL == "" {
		return 0, types.NewError(types.ErrDataGap, "spot price unavailable", primaryErr)
	}
	price, fallbackErr := s.fetchFallback(ctx)
	if fallbackErr != nil {
		s.logger.Error("both spot sources failed",
			"primary_error", primaryErr, "fallback_error", fallbackErr)
		return 0, types.NewError(types.ErrDataGap, "spot price unavailable from both sources", fallbackErr)
	}
	return price, nil
}

// Klines fetches upstream candlestick data and returns the raw JSON
// untouched, plus the upstream status code. Used by the operator API as
// a server-side proxy so browser dashboards avoid CORS restrictions.
func (s *Source) Klines(ctx context.Context, symbol, interval string, startMS, endMS int64, limit int) (json.RawMessage, int, error) {
	if s.klineURL == "" {
		return nil, 0, fmt.Errorf("kline url not configured")
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    symbol,
			"interval":  interval,
			"startTime": strconv.FormatInt(startMS, 10),
			"endTime":   strconv.FormatInt(endMS, 10),
			"limit":     strconv.Itoa(limit),
		}).
		Get(s.klineURL)
	if err != nil {
		return nil, 0, fmt.Errorf("kline fetch: %w", err)
	}
	return resp.Body(), resp.StatusCode(), nil
}

// fetchPrimary expects a flat {"price": "189.55"} payload.
func (s *Source) fetchPrimary(ctx context.Context) (float64, error) {
	var body struct {
		Price string `json:"price"`
	}
	resp, err := s.http.R().SetContext(ctx).Get(s.primaryURL)
	if err != nil {
		return 0, fmt.Errorf("primary spot fetch: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("primary spot fetch: status %d", resp.StatusCode())
	}
	// Decode the body ourselves; some hosts mislabel the content type.
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return 0, fmt.Errorf("primary spot fetch: decode: %w", err)
	}
	price, err := strconv.ParseFloat(body.Price, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("primary spot fetch: bad price %q", body.Price)
	}
	return price, nil
}

// fetchFallback expects a Kraken-style envelope: the result is a map of
// pair name to ticker data, and c[0] is the last trade price.
func (s *Source) fetchFallback(ctx context.Context) (float64, error) {
	var body struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			C []string `json:"c"`
		} `json:"result"`
	}
	resp, err := s.http.R().SetContext(ctx).Get(s.fallbackURL)
	if err != nil {
		return 0, fmt.Errorf("fallback spot fetch: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("fallback spot fetch: status %d", resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return 0, fmt.Errorf("fallback spot fetch: decode: %w", err)
	}
	if len(body.Error) > 0 {
		return 0, fmt.Errorf("fallback spot fetch: %v", body.Error)
	}
	for _, ticker := range body.Result {
		if len(ticker.C) == 0 {
			continue
		}
		price, err := strconv.ParseFloat(ticker.C[0], 64)
		if err != nil || price <= 0 {
			return 0, fmt.Errorf("fallback spot fetch: bad last price %q", ticker.C[0])
		}
		return price, nil
	}
	return 0, fmt.Errorf("fallback spot fetch: no ticker data in response")
}
