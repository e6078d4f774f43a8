// Package exchange implements the Kalshi trade API client.
//
// The REST client (Client) covers the full surface the control plane
// consumes: market discovery, orderbook snapshots, balance/positions,
// fills and settlements feeds, and the order operations in orders.go.
//
// Every request is paced to at least 200 ms apart, signed with RSA-PSS
// headers, and retried according to a classified policy: 429 backs off
// exponentially up to 3 attempts, 5xx retries once after 2 s, network
// errors retry up to 3 times with backoff, 409 on POST is idempotent
// success, and any other 4xx fails immediately.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"kalshi-trading-bot/internal/config"
	"kalshi-trading-bot/pkg/types"
)

// Health is a snapshot of the client's request counters, exposed on the
// operator surface at /system/health.
type Health struct {
	TotalRequests         int64     `json:"total_requests"`
	ConsecutiveErrors     int       `json:"consecutive_errors"`
	LastSuccessfulRequest time.Time `json:"last_successful_request"`
}

// Client is the Kalshi REST API client.
type Client struct {
	http     *resty.Client
	auth     *Auth
	limiter  *rate.Limiter // >= 200 ms between any two requests
	basePath string        // API prefix included in the signed path
	logger   *slog.Logger

	mu          sync.Mutex
	dryRun      bool // mutating methods short-circuit without HTTP calls
	total       int64
	consecutive int
	lastSuccess time.Time
}

// NewClient creates a signed, paced REST client.
func NewClient(cfg config.ExchangeConfig, dryRun bool, auth *Auth, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:     httpClient,
		auth:     auth,
		limiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		basePath: base.Path,
		dryRun:   dryRun,
		logger:   logger,
	}, nil
}

// SetDryRun switches the client between simulated and real order
// submission, e.g. when the operator flips the execution mode.
func (c *Client) SetDryRun(dryRun bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dryRun = dryRun
}

// DryRun reports whether mutating calls are simulated.
func (c *Client) DryRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dryRun
}

// Health returns a copy of the request counters.
func (c *Client) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Health{
		TotalRequests:         c.total,
		ConsecutiveErrors:     c.consecutive,
		LastSuccessfulRequest: c.lastSuccess,
	}
}

func (c *Client) recordOutcome(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if ok {
		c.consecutive = 0
		c.lastSuccess = time.Now()
	} else {
		c.consecutive++
	}
}

// do issues one signed request with pacing and the classified retry
// policy. out, when non-nil, receives the decoded JSON body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	net := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2}
	netRetries := 0
	rateRetries := 0
	serverRetried := false

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		headers, err := c.auth.Headers(method, c.basePath+path)
		if err != nil {
			return err
		}

		req := c.http.R().SetContext(ctx).SetHeaders(headers)
		if query != nil {
			req.SetQueryParamsFromValues(query)
		}
		if body != nil {
			req.SetBody(body)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			c.recordOutcome(false)
			if netRetries >= 3 {
				return types.NewError(types.ErrTransientNetwork,
					fmt.Sprintf("%s %s after %d retries", method, path, netRetries), err)
			}
			netRetries++
			if err := sleepCtx(ctx, net.Duration()); err != nil {
				return err
			}
			continue
		}

		status := resp.StatusCode()
		switch {
		case status >= 200 && status < 300:
			c.recordOutcome(true)
			if out != nil {
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					return fmt.Errorf("decode %s %s: %w", method, path, err)
				}
			}
			return nil

		case status == http.StatusConflict && method == http.MethodPost:
			// Our client_order_id was already accepted; the body is the
			// original order.
			c.recordOutcome(true)
			c.logger.Warn("duplicate submission treated as success", "path", path)
			if out != nil {
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					return fmt.Errorf("decode %s %s: %w", method, path, err)
				}
			}
			return nil

		case status == http.StatusTooManyRequests:
			c.recordOutcome(false)
			if rateRetries >= 3 {
				return types.NewError(types.ErrRateLimited,
					fmt.Sprintf("%s %s still rate limited after %d retries", method, path, rateRetries), nil)
			}
			rateRetries++
			wait := time.Duration(1<<rateRetries) * time.Second
			c.logger.Warn("rate limited, backing off", "path", path, "wait", wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue

		case status >= 500:
			c.recordOutcome(false)
			if serverRetried {
				return types.NewError(types.ErrTransientNetwork,
					fmt.Sprintf("%s %s: status %d: %s", method, path, status, resp.String()), nil)
			}
			serverRetried = true
			if err := sleepCtx(ctx, 2*time.Second); err != nil {
				return err
			}
			continue

		default:
			c.recordOutcome(false)
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("%s %s: status %d: %s", method, path, status, resp.String()), nil)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Market data

// ListMarkets fetches markets for a series in exchange list order.
func (c *Client) ListMarkets(ctx context.Context, seriesTicker, status string, limit int) ([]types.Market, error) {
	q := url.Values{}
	q.Set("series_ticker", seriesTicker)
	q.Set("status", status)
	q.Set("limit", strconv.Itoa(limit))

	var resp marketsResponse
	if err := c.do(ctx, http.MethodGet, "/markets", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}

	markets := make([]types.Market, 0, len(resp.Markets))
	for i := range resp.Markets {
		markets = append(markets, resp.Markets[i].toMarket())
	}
	return markets, nil
}

// GetMarket fetches a single market with full price data.
func (c *Client) GetMarket(ctx context.Context, ticker string) (*types.Market, error) {
	var resp marketResponse
	if err := c.do(ctx, http.MethodGet, "/markets/"+ticker, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("get market %s: %w", ticker, err)
	}
	m := resp.Market.toMarket()
	return &m, nil
}

// GetOrderbook fetches the book snapshot for one market. Both contract
// sides come back as asks in cents.
func (c *Client) GetOrderbook(ctx context.Context, ticker string) (*types.Orderbook, error) {
	var resp orderbookResponse
	if err := c.do(ctx, http.MethodGet, "/markets/"+ticker+"/orderbook", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("get orderbook %s: %w", ticker, err)
	}

	ob := &types.Orderbook{Ticker: ticker, FetchedAt: time.Now()}
	for _, lvl := range resp.Orderbook.Yes {
		ob.YesAsks = append(ob.YesAsks, types.OrderbookLevel{Price: CentsToPrice(lvl[0]), Size: lvl[1]})
	}
	for _, lvl := range resp.Orderbook.No {
		ob.NoAsks = append(ob.NoAsks, types.OrderbookLevel{Price: CentsToPrice(lvl[0]), Size: lvl[1]})
	}
	return ob, nil
}

// Portfolio

// GetBalance fetches the account balance and portfolio value in cents.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	var resp Balance
	if err := c.do(ctx, http.MethodGet, "/portfolio/balance", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &resp, nil
}

// GetPositions fetches exchange-side market positions.
func (c *Client) GetPositions(ctx context.Context) ([]ExchangePosition, error) {
	var resp positionsResponse
	if err := c.do(ctx, http.MethodGet, "/portfolio/positions", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	return resp.MarketPositions, nil
}

// FillsQuery narrows a GetFills call. Zero values mean "no filter".
type FillsQuery struct {
	Ticker  string
	OrderID string
	MinTS   time.Time
	Limit   int
	Cursor  string
}

// GetFills fetches one cursor page of recent executions.
func (c *Client) GetFills(ctx context.Context, fq FillsQuery) (*FillsPage, error) {
	q := url.Values{}
	if fq.Ticker != "" {
		q.Set("ticker", fq.Ticker)
	}
	if fq.OrderID != "" {
		q.Set("order_id", fq.OrderID)
	}
	if !fq.MinTS.IsZero() {
		q.Set("min_ts", strconv.FormatInt(fq.MinTS.Unix(), 10))
	}
	if fq.Limit > 0 {
		q.Set("limit", strconv.Itoa(fq.Limit))
	}
	if fq.Cursor != "" {
		q.Set("cursor", fq.Cursor)
	}

	var resp FillsPage
	if err := c.do(ctx, http.MethodGet, "/portfolio/fills", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("get fills: %w", err)
	}
	return &resp, nil
}

// GetSettlements fetches one cursor page of market settlements.
func (c *Client) GetSettlements(ctx context.Context, minTS time.Time, limit int, cursor string) (*SettlementsPage, error) {
	q := url.Values{}
	if !minTS.IsZero() {
		q.Set("min_ts", strconv.FormatInt(minTS.Unix(), 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var resp SettlementsPage
	if err := c.do(ctx, http.MethodGet, "/portfolio/settlements", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("get settlements: %w", err)
	}
	return &resp, nil
}
