package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"kalshi-trading-bot/pkg/types"
)

// PlaceOrderParams is the high-level order the control plane submits.
// Price is a fraction; conversion to cents and side-specific wire fields
// happens here.
type PlaceOrderParams struct {
	Ticker        string
	ClientOrderID string // fresh UUIDv4; generated when empty
	Side          types.Side
	Action        string // "buy" | "sell"
	Quantity      int
	OrderType     types.OrderType
	Price         float64 // limit orders only
	BuyMaxCost    float64 // dollars; market buys only
	TimeInForce   string
	PostOnly      bool
	ReduceOnly    bool
	ExpirationTS  int64
}

func (p *PlaceOrderParams) toRequest() (*OrderRequest, error) {
	if p.Quantity < 1 {
		return nil, types.NewError(types.ErrValidation, "quantity must be >= 1", nil)
	}
	clientID := p.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	req := &OrderRequest{
		Ticker:        p.Ticker,
		ClientOrderID: clientID,
		Side:          string(p.Side),
		Action:        p.Action,
		Count:         p.Quantity,
		Type:          string(p.OrderType),
		TimeInForce:   p.TimeInForce,
	}
	if p.PostOnly {
		v := true
		req.PostOnly = &v
	}
	if p.ReduceOnly {
		v := true
		req.ReduceOnly = &v
	}
	if p.ExpirationTS > 0 {
		req.ExpirationTS = &p.ExpirationTS
	}

	switch p.OrderType {
	case types.OrderTypeLimit:
		cents, err := PriceToCents(p.Price)
		if err != nil {
			return nil, err
		}
		// Limit YES sets only yes_price, limit NO only no_price.
		if p.Side == types.SideYes {
			req.YesPrice = &cents
		} else {
			req.NoPrice = &cents
		}
	case types.OrderTypeMarket:
		if p.Action == "buy" {
			if p.BuyMaxCost <= 0 {
				return nil, types.NewError(types.ErrValidation, "market buy requires buy_max_cost", nil)
			}
			cost := DollarsToCents(p.BuyMaxCost)
			req.BuyMaxCost = &cost
		}
	default:
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unknown order type %q", p.OrderType), nil)
	}

	return req, nil
}

// PlaceOrder submits one order. A 409 response means the client_order_id
// was already accepted and returns the original order.
func (c *Client) PlaceOrder(ctx context.Context, params PlaceOrderParams) (*OrderSnapshot, error) {
	req, err := params.toRequest()
	if err != nil {
		return nil, err
	}

	if c.DryRun() {
		c.logger.Info("DRY-RUN: would place order",
			"ticker", req.Ticker, "side", req.Side, "count", req.Count, "type", req.Type)
		return &OrderSnapshot{
			OrderID:       "dry-run-" + req.ClientOrderID,
			ClientOrderID: req.ClientOrderID,
			Ticker:        req.Ticker,
			Status:        "resting",
			Side:          req.Side,
			Action:        req.Action,
			InitialCount:  req.Count,
		}, nil
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/portfolio/orders", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	c.logger.Info("order placed",
		"order_id", resp.Order.OrderID, "ticker", req.Ticker, "side", req.Side, "count", req.Count)
	return &resp.Order, nil
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*CancelResult, error) {
	if c.DryRun() {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return &CancelResult{Order: OrderSnapshot{OrderID: orderID, Status: "canceled"}}, nil
	}

	var resp CancelResult
	if err := c.do(ctx, http.MethodDelete, "/portfolio/orders/"+orderID, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	c.logger.Info("order cancelled", "order_id", orderID, "reduced_by", resp.ReducedBy)
	return &resp, nil
}

// AmendOrder replaces price and/or count on a resting order. The exchange
// issues a new order_id; the superseded one comes back as OldOrder.
func (c *Client) AmendOrder(ctx context.Context, orderID string, side types.Side, price *float64, count *int) (*AmendResult, error) {
	req := AmendRequest{UpdatedClientOrderID: uuid.NewString()}
	if price != nil {
		cents, err := PriceToCents(*price)
		if err != nil {
			return nil, err
		}
		if side == types.SideYes {
			req.YesPrice = &cents
		} else {
			req.NoPrice = &cents
		}
	}
	if count != nil {
		req.Count = count
	}

	if c.DryRun() {
		c.logger.Info("DRY-RUN: would amend order", "order_id", orderID)
		return &AmendResult{
			Order:    OrderSnapshot{OrderID: "dry-run-" + req.UpdatedClientOrderID, Status: "resting"},
			OldOrder: OrderSnapshot{OrderID: orderID, Status: "canceled"},
		}, nil
	}

	var resp AmendResult
	if err := c.do(ctx, http.MethodPost, "/portfolio/orders/"+orderID+"/amend", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("amend order %s: %w", orderID, err)
	}
	c.logger.Info("order amended", "old_order_id", orderID, "new_order_id", resp.Order.OrderID)
	return &resp, nil
}

// DecreaseOrder reduces a resting order's count. Exactly one of reduceBy
// / reduceTo must be non-nil; reduce_to 0 is equivalent to a cancel.
func (c *Client) DecreaseOrder(ctx context.Context, orderID string, reduceBy, reduceTo *int) (*OrderSnapshot, error) {
	if (reduceBy == nil) == (reduceTo == nil) {
		return nil, types.NewError(types.ErrValidation, "exactly one of reduce_by / reduce_to required", nil)
	}
	req := DecreaseRequest{ReduceBy: reduceBy, ReduceTo: reduceTo}

	if c.DryRun() {
		c.logger.Info("DRY-RUN: would decrease order", "order_id", orderID)
		return &OrderSnapshot{OrderID: orderID, Status: "resting"}, nil
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/portfolio/orders/"+orderID+"/decrease", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("decrease order %s: %w", orderID, err)
	}
	return &resp.Order, nil
}

// BatchPlace submits up to 20 orders in one request.
func (c *Client) BatchPlace(ctx context.Context, params []PlaceOrderParams) ([]BatchItemResult, error) {
	if len(params) == 0 {
		return nil, nil
	}
	if len(params) > 20 {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("batch limit is 20 orders, got %d", len(params)), nil)
	}

	reqs := make([]OrderRequest, 0, len(params))
	for i := range params {
		r, err := params[i].toRequest()
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *r)
	}

	if c.DryRun() {
		c.logger.Info("DRY-RUN: would batch-place orders", "count", len(reqs))
		results := make([]BatchItemResult, len(reqs))
		for i := range reqs {
			results[i] = BatchItemResult{Order: &OrderSnapshot{
				OrderID:       "dry-run-" + reqs[i].ClientOrderID,
				ClientOrderID: reqs[i].ClientOrderID,
				Status:        "resting",
			}}
		}
		return results, nil
	}

	var resp batchPlaceResponse
	if err := c.do(ctx, http.MethodPost, "/portfolio/orders/batched", nil, batchPlaceRequest{Orders: reqs}, &resp); err != nil {
		return nil, fmt.Errorf("batch place: %w", err)
	}
	return resp.Orders, nil
}

// BatchCancel cancels up to 20 orders in one request.
func (c *Client) BatchCancel(ctx context.Context, orderIDs []string) ([]BatchItemResult, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	if len(orderIDs) > 20 {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("batch limit is 20 cancels, got %d", len(orderIDs)), nil)
	}

	if c.DryRun() {
		c.logger.Info("DRY-RUN: would batch-cancel orders", "count", len(orderIDs))
		results := make([]BatchItemResult, len(orderIDs))
		for i, id := range orderIDs {
			results[i] = BatchItemResult{Order: &OrderSnapshot{OrderID: id, Status: "canceled"}}
		}
		return results, nil
	}

	var resp batchCancelResponse
	if err := c.do(ctx, http.MethodDelete, "/portfolio/orders/batched", nil, batchCancelRequest{IDs: orderIDs}, &resp); err != nil {
		return nil, fmt.Errorf("batch cancel: %w", err)
	}
	c.logger.Info("batch cancel issued", "count", len(orderIDs))
	return resp.Orders, nil
}

// ListOrders fetches orders, optionally narrowed by ticker and exchange
// status (resting, canceled, executed).
func (c *Client) ListOrders(ctx context.Context, ticker, status string) ([]OrderSnapshot, error) {
	q := url.Values{}
	if ticker != "" {
		q.Set("ticker", ticker)
	}
	if status != "" {
		q.Set("status", status)
	}

	var resp ordersResponse
	if err := c.do(ctx, http.MethodGet, "/portfolio/orders", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return resp.Orders, nil
}

// GetOrderStatus fetches one order snapshot.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*OrderSnapshot, error) {
	var resp orderResponse
	if err := c.do(ctx, http.MethodGet, "/portfolio/orders/"+orderID, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return &resp.Order, nil
}

// GetQueuePosition fetches the depth resting ahead of an order at its
// price level.
func (c *Client) GetQueuePosition(ctx context.Context, orderID string) (int, error) {
	var resp queuePositionResponse
	if err := c.do(ctx, http.MethodGet, "/portfolio/orders/"+orderID+"/queue_position", nil, nil, &resp); err != nil {
		return 0, fmt.Errorf("get queue position %s: %w", orderID, err)
	}
	return resp.QueuePosition, nil
}
