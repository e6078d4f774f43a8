package exchange

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"kalshi-trading-bot/internal/config"
	"kalshi-trading-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, baseURL string, dryRun bool) *Client {
	t.Helper()
	c, err := NewClient(config.ExchangeConfig{
		BaseURL:        baseURL + "/trade-api/v2",
		RequestTimeout: 5 * time.Second,
	}, dryRun, testAuth(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPriceToCents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		price   float64
		want    int
		wantErr bool
	}{
		{0.50, 50, false},
		{0.545, 55, false}, // round half away from zero
		{0.01, 1, false},
		{0.99, 99, false},
		{0.544, 54, false},
		{0.005, 0, true}, // below 1 cent, refused before rounding
		{0.995, 0, true}, // above 99 cents
		{0.001, 0, true},
	}

	for _, tt := range tests {
		got, err := PriceToCents(tt.price)
		if tt.wantErr {
			if err == nil {
				t.Errorf("PriceToCents(%v) = %d, want refusal", tt.price, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("PriceToCents(%v): %v", tt.price, err)
			continue
		}
		if got != tt.want {
			t.Errorf("PriceToCents(%v) = %d, want %d", tt.price, got, tt.want)
		}
	}
}

func TestLimitOrderWireShape(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		json.NewEncoder(w).Encode(orderResponse{Order: OrderSnapshot{OrderID: "srv-1", Status: "resting"}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)

	_, err := c.PlaceOrder(context.Background(), PlaceOrderParams{
		Ticker:    "KXSOL15M-TEST-T190",
		Side:      types.SideYes,
		Action:    "buy",
		Quantity:  10,
		OrderType: types.OrderTypeLimit,
		Price:     0.545,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if got := gotBody["yes_price"]; got != float64(55) {
		t.Errorf("yes_price = %v, want 55", got)
	}
	if _, present := gotBody["no_price"]; present {
		t.Error("no_price must be omitted on a YES limit order")
	}
	if _, present := gotBody["buy_max_cost"]; present {
		t.Error("buy_max_cost must be omitted on a limit order")
	}
	if gotBody["client_order_id"] == "" {
		t.Error("client_order_id missing")
	}
	if gotBody["action"] != "buy" || gotBody["side"] != "yes" {
		t.Errorf("side/action = %v/%v", gotBody["side"], gotBody["action"])
	}
}

func TestNoLimitOrderSetsOnlyNoPrice(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		json.NewEncoder(w).Encode(orderResponse{Order: OrderSnapshot{OrderID: "srv-2", Status: "resting"}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	_, err := c.PlaceOrder(context.Background(), PlaceOrderParams{
		Ticker: "T", Side: types.SideNo, Action: "buy", Quantity: 1,
		OrderType: types.OrderTypeLimit, Price: 0.30,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if got := gotBody["no_price"]; got != float64(30) {
		t.Errorf("no_price = %v, want 30", got)
	}
	if _, present := gotBody["yes_price"]; present {
		t.Error("yes_price must be omitted on a NO limit order")
	}
}

func TestMarketBuyRequiresMaxCost(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "http://localhost:1", false)
	_, err := c.PlaceOrder(context.Background(), PlaceOrderParams{
		Ticker: "T", Side: types.SideYes, Action: "buy", Quantity: 1,
		OrderType: types.OrderTypeMarket,
	})
	if err == nil {
		t.Fatal("market buy without buy_max_cost accepted")
	}
	if types.KindOf(err) != types.ErrValidation {
		t.Errorf("kind = %q, want validation", types.KindOf(err))
	}
}

func TestPriceOutOfRangeRefusedBeforeHTTP(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	_, err := c.PlaceOrder(context.Background(), PlaceOrderParams{
		Ticker: "T", Side: types.SideYes, Action: "buy", Quantity: 1,
		OrderType: types.OrderTypeLimit, Price: 0.995,
	})
	if err == nil {
		t.Fatal("0.995 accepted")
	}
	if requests.Load() != 0 {
		t.Error("invalid price reached the wire")
	}
}

func TestConflictIsIdempotentSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(orderResponse{Order: OrderSnapshot{
			OrderID: "original-id", Status: "resting", InitialCount: 10,
		}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	order, err := c.PlaceOrder(context.Background(), PlaceOrderParams{
		Ticker: "T", Side: types.SideYes, Action: "buy", Quantity: 10,
		OrderType: types.OrderTypeLimit, Price: 0.50,
	})
	if err != nil {
		t.Fatalf("409 should be idempotent success, got %v", err)
	}
	if order.OrderID != "original-id" {
		t.Errorf("order id = %q, want the originally accepted order", order.OrderID)
	}
}

func TestRateLimitedRetries(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(marketsResponse{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	if _, err := c.ListMarkets(context.Background(), "KXSOL15M", "open", 100); err != nil {
		t.Fatalf("ListMarkets after one 429: %v", err)
	}
	if requests.Load() != 2 {
		t.Errorf("request count = %d, want 2", requests.Load())
	}
}

func TestServerErrorRetriesOnce(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(marketsResponse{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	_, err := c.ListMarkets(context.Background(), "KXSOL15M", "open", 100)
	if err == nil {
		t.Fatal("two consecutive 5xx should fail (retry once only)")
	}
	if types.KindOf(err) != types.ErrTransientNetwork {
		t.Errorf("kind = %q, want transient_network", types.KindOf(err))
	}
	if requests.Load() != 2 {
		t.Errorf("request count = %d, want 2", requests.Load())
	}
}

func TestValidationErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"invalid_parameters"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	_, err := c.GetBalance(context.Background())
	if err == nil {
		t.Fatal("400 should fail")
	}
	if types.KindOf(err) != types.ErrValidation {
		t.Errorf("kind = %q, want validation", types.KindOf(err))
	}
	if requests.Load() != 1 {
		t.Errorf("request count = %d, want 1 (no retry on 4xx)", requests.Load())
	}
}

func TestAuthHeadersOnRequest(t *testing.T) {
	t.Parallel()

	var gotKey, gotSig, gotTS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("KALSHI-ACCESS-KEY")
		gotSig = r.Header.Get("KALSHI-ACCESS-SIGNATURE")
		gotTS = r.Header.Get("KALSHI-ACCESS-TIMESTAMP")
		json.NewEncoder(w).Encode(Balance{BalanceCents: 100000})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	bal, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.BalanceCents != 100000 {
		t.Errorf("balance = %d, want 100000", bal.BalanceCents)
	}
	if gotKey != "test-key-id" || gotSig == "" || gotTS == "" {
		t.Errorf("auth headers incomplete: key=%q sig=%q ts=%q", gotKey, gotSig, gotTS)
	}
}

func TestHealthCounters(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "balance") {
			json.NewEncoder(w).Encode(Balance{})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	ctx := context.Background()

	c.GetBalance(ctx)
	h := c.Health()
	if h.TotalRequests != 1 || h.ConsecutiveErrors != 0 || h.LastSuccessfulRequest.IsZero() {
		t.Errorf("after success: %+v", h)
	}

	c.GetPositions(ctx) // 400
	h = c.Health()
	if h.TotalRequests != 2 || h.ConsecutiveErrors != 1 {
		t.Errorf("after failure: %+v", h)
	}

	c.GetBalance(ctx)
	if h := c.Health(); h.ConsecutiveErrors != 0 {
		t.Errorf("success should clear consecutive errors: %+v", h)
	}
}

func TestRequestPacing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Balance{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	ctx := context.Background()

	start := time.Now()
	c.GetBalance(ctx)
	c.GetBalance(ctx)
	c.GetBalance(ctx)
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("three requests took %v, want >= 400ms of pacing", elapsed)
	}
}

func TestDryRunPlacesNothing(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, true)
	ctx := context.Background()

	order, err := c.PlaceOrder(ctx, PlaceOrderParams{
		Ticker: "T", Side: types.SideYes, Action: "buy", Quantity: 5,
		OrderType: types.OrderTypeLimit, Price: 0.50,
	})
	if err != nil {
		t.Fatalf("dry-run PlaceOrder: %v", err)
	}
	if order.OrderID == "" || order.Status != "resting" {
		t.Errorf("dry-run order = %+v", order)
	}

	if _, err := c.CancelOrder(ctx, "some-id"); err != nil {
		t.Fatalf("dry-run CancelOrder: %v", err)
	}
	if _, err := c.BatchCancel(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("dry-run BatchCancel: %v", err)
	}

	if requests.Load() != 0 {
		t.Errorf("dry-run issued %d HTTP requests, want 0", requests.Load())
	}
}

func TestBatchLimits(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "http://localhost:1", false)
	ctx := context.Background()

	ids := make([]string, 21)
	for i := range ids {
		ids[i] = "id"
	}
	if _, err := c.BatchCancel(ctx, ids); err == nil {
		t.Error("21 cancels accepted, batch limit is 20")
	}

	params := make([]PlaceOrderParams, 21)
	for i := range params {
		params[i] = PlaceOrderParams{Ticker: "T", Side: types.SideYes, Action: "buy",
			Quantity: 1, OrderType: types.OrderTypeLimit, Price: 0.5}
	}
	if _, err := c.BatchPlace(ctx, params); err == nil {
		t.Error("21 orders accepted, batch limit is 20")
	}
}

func TestDecreaseOrderArgValidation(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "http://localhost:1", false)
	ctx := context.Background()
	by, to := 5, 5

	if _, err := c.DecreaseOrder(ctx, "id", &by, &to); err == nil {
		t.Error("both reduce_by and reduce_to accepted")
	}
	if _, err := c.DecreaseOrder(ctx, "id", nil, nil); err == nil {
		t.Error("neither reduce_by nor reduce_to accepted")
	}
}

func TestListMarketsParsing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("series_ticker") != "KXSOL15M" {
			t.Errorf("series_ticker = %q", r.URL.Query().Get("series_ticker"))
		}
		w.Write([]byte(`{"markets":[{
			"ticker":"KXSOL15M-25AUG251315-T190",
			"event_ticker":"KXSOL15M-25AUG251315",
			"title":"SOL above $190?",
			"yes_sub_title":"SOL at or above $190",
			"status":"active",
			"floor_strike":190.0,
			"open_time":"2025-08-25T13:00:00Z",
			"close_time":"2025-08-25T13:15:00Z",
			"expiration_time":"2025-08-25T13:15:00Z",
			"last_price":62,
			"yes_bid":61,
			"yes_ask":63,
			"volume":1500
		}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	markets, err := c.ListMarkets(context.Background(), "KXSOL15M", "open", 100)
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("got %d markets", len(markets))
	}

	m := markets[0]
	if m.StrikePrice != 190 {
		t.Errorf("strike = %v", m.StrikePrice)
	}
	if m.YesPrice == nil || *m.YesPrice != 0.62 {
		t.Errorf("yes_price = %v, want 0.62", m.YesPrice)
	}
	if m.NoPrice == nil || *m.NoPrice < 0.379 || *m.NoPrice > 0.381 {
		t.Errorf("no_price = %v, want derived 0.38", m.NoPrice)
	}
	if m.Direction != "up" {
		t.Errorf("direction = %q, want up", m.Direction)
	}
	if m.Status != types.MarketActive {
		t.Errorf("status = %q", m.Status)
	}
}

func TestGetOrderbookParsing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"orderbook":{"yes":[[45,100],[42,25]],"no":[[58,40]]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	ob, err := c.GetOrderbook(context.Background(), "KXSOL15M-TEST-T190")
	if err != nil {
		t.Fatalf("GetOrderbook: %v", err)
	}
	if best, ok := ob.BestYesAsk(); !ok || best != 0.42 {
		t.Errorf("best yes ask = %v, %v", best, ok)
	}
	if best, ok := ob.BestNoAsk(); !ok || best != 0.58 {
		t.Errorf("best no ask = %v, %v", best, ok)
	}
}

func TestAverageFillPrice(t *testing.T) {
	t.Parallel()

	o := &OrderSnapshot{FillCount: 10, TakerFillCost: 330, MakerFillCost: 220}
	if got := o.AverageFillPrice(); got != 0.55 {
		t.Errorf("AverageFillPrice() = %v, want 0.55", got)
	}

	empty := &OrderSnapshot{}
	if got := empty.AverageFillPrice(); got != 0 {
		t.Errorf("AverageFillPrice() with no fills = %v, want 0", got)
	}
}

func TestSetDryRunSwitchesToLiveSubmission(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		json.NewEncoder(w).Encode(orderResponse{Order: OrderSnapshot{OrderID: "srv-live-1", Status: "resting"}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, true)
	ctx := context.Background()
	params := PlaceOrderParams{
		Ticker: "T", Side: types.SideYes, Action: "buy", Quantity: 5,
		OrderType: types.OrderTypeLimit, Price: 0.50,
	}

	order, err := c.PlaceOrder(ctx, params)
	if err != nil {
		t.Fatalf("dry-run PlaceOrder: %v", err)
	}
	if !strings.HasPrefix(order.OrderID, "dry-run-") {
		t.Errorf("dry-run order id = %q, want dry-run prefix", order.OrderID)
	}
	if requests.Load() != 0 {
		t.Fatalf("dry-run issued %d HTTP requests, want 0", requests.Load())
	}

	c.SetDryRun(false)
	if c.DryRun() {
		t.Fatal("DryRun() still true after SetDryRun(false)")
	}

	order, err = c.PlaceOrder(ctx, params)
	if err != nil {
		t.Fatalf("live PlaceOrder: %v", err)
	}
	if order.OrderID != "srv-live-1" {
		t.Errorf("live order id = %q, want srv-live-1", order.OrderID)
	}
	if requests.Load() != 1 {
		t.Errorf("live PlaceOrder issued %d HTTP requests, want 1", requests.Load())
	}
}
