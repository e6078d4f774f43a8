package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"kalshi-trading-bot/internal/engine"
	"kalshi-trading-bot/internal/exchange"
	"kalshi-trading-bot/internal/orders"
	"kalshi-trading-bot/internal/risk"
	"kalshi-trading-bot/internal/spot"
	"kalshi-trading-bot/internal/strategy"
)

// Handlers holds the REST handler dependencies.
type Handlers struct {
	engine     *engine.Engine
	orders     *orders.Manager
	risk       *risk.Manager
	strategies *strategy.Registry
	client     *exchange.Client
	spot       *spot.Source
	hub        *Hub
	logger     *slog.Logger
}

// NewHandlers builds the handler set.
func NewHandlers(eng *engine.Engine, orderMgr *orders.Manager, riskMgr *risk.Manager,
	registry *strategy.Registry, client *exchange.Client, spotSrc *spot.Source,
	hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		engine:     eng,
		orders:     orderMgr,
		risk:       riskMgr,
		strategies: registry,
		client:     client,
		spot:       spotSrc,
		hub:        hub,
		logger:     logger.With("component", "api-handlers"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth is the liveness probe; it always returns 200.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSystemHealth exposes exchange-client health counters and the
// breaker flag.
func (h *Handlers) HandleSystemHealth(w http.ResponseWriter, r *http.Request) {
	health := h.client.Health()
	breakerActive, _ := h.risk.CircuitBreakerActive()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_requests":          health.TotalRequests,
		"consecutive_errors":      health.ConsecutiveErrors,
		"last_successful_request": health.LastSuccessfulRequest,
		"circuit_breaker_active":  breakerActive,
	})
}

// HandleStatus returns the full operator snapshot. Always 200.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"engine": h.engine.Snapshot(),
		"orders": h.orders.Summary(),
	})
}

// HandleBalance proxies the exchange balance.
func (h *Handlers) HandleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.client.GetBalance(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance_dollars":   float64(balance.BalanceCents) / 100,
		"portfolio_dollars": float64(balance.PortfolioValueCents) / 100,
	})
}

// HandlePositions lists open positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"positions": h.risk.Positions()})
}

// HandleTrades lists completed trades, newest first, with optional
// limit and status filters.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	trades := h.orders.CompletedOrders()
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].CreatedAt.After(trades[j].CreatedAt)
	})

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := trades[:0]
		for _, t := range trades {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		trades = filtered
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit >= 0 && limit < len(trades) {
			trades = trades[:limit]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// HandleActiveTrades lists in-flight trades.
func (h *Handlers) HandleActiveTrades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"trades": h.orders.ActiveOrders()})
}

// HandleCancelTrade cancels one resting order.
func (h *Handlers) HandleCancelTrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.orders.Cancel(r.Context(), id) {
		writeError(w, http.StatusBadRequest, "trade not cancellable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "trade_id": id})
}

// HandleDecreaseTrade reduces a resting order. Exactly one of reduce_by
// and reduce_to must be present.
func (h *Handlers) HandleDecreaseTrade(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReduceBy *int `json:"reduce_by"`
		ReduceTo *int `json:"reduce_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if (body.ReduceBy == nil) == (body.ReduceTo == nil) {
		writeError(w, http.StatusBadRequest, "exactly one of reduce_by and reduce_to required")
		return
	}
	id := r.PathValue("id")
	if !h.orders.Decrease(r.Context(), id, body.ReduceBy, body.ReduceTo) {
		writeError(w, http.StatusBadRequest, "decrease refused")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decreased": true, "trade_id": id})
}

// HandleAmendTrade replaces price and/or quantity on a resting order.
func (h *Handlers) HandleAmendTrade(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Price    *float64 `json:"price"`
		Quantity *int     `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Price == nil && body.Quantity == nil {
		writeError(w, http.StatusBadRequest, "price or quantity required")
		return
	}
	id := r.PathValue("id")
	if !h.orders.Amend(r.Context(), id, body.Price, body.Quantity) {
		writeError(w, http.StatusBadRequest, "amend refused")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"amended": true, "trade_id": id})
}

// HandleStart starts the bot; 400 when already running.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Start(context.Background()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": true})
}

// HandleStop stops the bot; 400 when not running.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Stop(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

// HandleEmergencyHalt stops the bot, disables strategies, cancels all
// resting orders, and latches the breaker.
func (h *Handlers) HandleEmergencyHalt(w http.ResponseWriter, r *http.Request) {
	h.engine.EmergencyHalt(r.Context(), "operator request")
	writeJSON(w, http.StatusOK, map[string]any{"halted": true})
}

// HandleCancelAll batch-cancels every resting order.
func (h *Handlers) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	count := h.orders.CancelAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": count})
}

// HandleBreakerReset clears the latched circuit breaker.
func (h *Handlers) HandleBreakerReset(w http.ResponseWriter, r *http.Request) {
	h.risk.ResetCircuitBreaker()
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

// HandleBankroll updates the live capital base.
func (h *Handlers) HandleBankroll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Bankroll float64 `json:"bankroll"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Bankroll <= 0 {
		writeError(w, http.StatusBadRequest, "bankroll must be > 0")
		return
	}
	h.risk.UpdateBankroll(body.Bankroll)
	h.strategies.SetBankroll(body.Bankroll)
	writeJSON(w, http.StatusOK, map[string]any{"bankroll": body.Bankroll})
}

// HandleMode switches between paper and live execution. Going live
// requires explicit risk acknowledgement and a confirmed bankroll.
func (h *Handlers) HandleMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode              string  `json:"mode"`
		RiskAcknowledged  bool    `json:"risk_acknowledged"`
		ConfirmedBankroll float64 `json:"confirmed_bankroll"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	switch body.Mode {
	case "live":
		if !body.RiskAcknowledged || body.ConfirmedBankroll <= 0 {
			writeError(w, http.StatusBadRequest,
				"live mode requires risk_acknowledged and confirmed_bankroll > 0")
			return
		}
		if err := h.engine.SetDryRun(false); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.risk.UpdateBankroll(body.ConfirmedBankroll)
		h.strategies.SetBankroll(body.ConfirmedBankroll)
	case "paper", "dry_run":
		if err := h.engine.SetDryRun(true); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "mode must be live, paper, or dry_run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": body.Mode, "dry_run": h.engine.DryRun()})
}

// HandleStrategies lists strategies and their enabled flags.
func (h *Handlers) HandleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strategies": h.strategies.Infos()})
}

// HandleStrategyEnable switches one strategy on.
func (h *Handlers) HandleStrategyEnable(w http.ResponseWriter, r *http.Request) {
	h.setStrategyEnabled(w, r, true)
}

// HandleStrategyDisable switches one strategy off.
func (h *Handlers) HandleStrategyDisable(w http.ResponseWriter, r *http.Request) {
	h.setStrategyEnabled(w, r, false)
}

func (h *Handlers) setStrategyEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := r.PathValue("name")
	strat, ok := h.strategies.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown strategy "+name)
		return
	}
	strat.SetEnabled(enabled)
	writeJSON(w, http.StatusOK, strategy.Info{Name: name, Enabled: enabled})
}

// HandlePriceHistory proxies upstream candlestick data server-side so
// browser dashboards avoid CORS restrictions. startTime and endTime are
// required unix-millisecond bounds; the upstream payload is passed
// through untouched.
func (h *Handlers) HandlePriceHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, errStart := strconv.ParseInt(q.Get("startTime"), 10, 64)
	end, errEnd := strconv.ParseInt(q.Get("endTime"), 10, 64)
	if errStart != nil || errEnd != nil {
		writeError(w, http.StatusBadRequest, "startTime and endTime are required")
		return
	}

	symbol := q.Get("symbol")
	if symbol == "" {
		symbol = "SOLUSDT"
	}
	interval := q.Get("interval")
	if interval == "" {
		interval = "1m"
	}
	limit := 1000
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	raw, status, err := h.spot.Klines(r.Context(), symbol, interval, start, end, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if status != http.StatusOK {
		writeError(w, status, "upstream price data unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// HandleWebSocket upgrades the connection and registers the client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(h.hub, conn)

	// Initial status frame so the client renders without waiting for
	// the next engine event.
	frame, err := json.Marshal(engine.Event{
		Type:      "status_update",
		Timestamp: time.Now(),
		Data:      h.engine.Snapshot(),
	})
	if err != nil {
		return
	}
	select {
	case client.send <- frame:
	default:
	}
}

// handleCommand executes one WebSocket client command and returns the
// response frame.
func (h *Handlers) handleCommand(cmd string) *engine.Event {
	switch cmd {
	case "ping":
		return &engine.Event{Type: "pong", Timestamp: time.Now()}
	case "get_status":
		return &engine.Event{Type: "status_update", Timestamp: time.Now(), Data: h.engine.Snapshot()}
	case "start_bot":
		if err := h.engine.Start(context.Background()); err != nil {
			return alertEvent(err.Error())
		}
		return &engine.Event{Type: "status_update", Timestamp: time.Now(), Data: h.engine.Snapshot()}
	case "stop_bot":
		if err := h.engine.Stop(); err != nil {
			return alertEvent(err.Error())
		}
		return &engine.Event{Type: "status_update", Timestamp: time.Now(), Data: h.engine.Snapshot()}
	}
	return alertEvent("unknown command: " + cmd)
}

func alertEvent(msg string) *engine.Event {
	return &engine.Event{
		Type:      "alert",
		Timestamp: time.Now(),
		Data:      map[string]any{"severity": "warning", "message": msg},
	}
}
