// Package orders is the control plane for trade lifecycle: it runs
// signals through the edge and risk gates, submits orders, and drives
// each trade through the state machine with a background monitor.
//
// The monitor ticks every 2 s. On each tick it polls active exchange
// orders, simulates paper fills in dry-run mode, and sweeps stale
// orders; every fifth tick it reconciles against the fills feed and
// scans open positions for settlement.
package orders

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kalshi-trading-bot/internal/config"
	"kalshi-trading-bot/internal/exchange"
	"kalshi-trading-bot/pkg/types"
)

const (
	paperFillDelay   = 2 * time.Second
	reconcileEvery   = 5 // monitor ticks between fills-feed reconciliations
	maxCompletedKept = 500
	batchCancelSize  = 20
)

// Exchange is the slice of the exchange client the manager consumes.
type Exchange interface {
	PlaceOrder(ctx context.Context, params exchange.PlaceOrderParams) (*exchange.OrderSnapshot, error)
	CancelOrder(ctx context.Context, orderID string) (*exchange.CancelResult, error)
	AmendOrder(ctx context.Context, orderID string, side types.Side, price *float64, count *int) (*exchange.AmendResult, error)
	DecreaseOrder(ctx context.Context, orderID string, reduceBy, reduceTo *int) (*exchange.OrderSnapshot, error)
	BatchCancel(ctx context.Context, orderIDs []string) ([]exchange.BatchItemResult, error)
	GetOrderStatus(ctx context.Context, orderID string) (*exchange.OrderSnapshot, error)
	GetFills(ctx context.Context, fq exchange.FillsQuery) (*exchange.FillsPage, error)
	GetMarket(ctx context.Context, ticker string) (*types.Market, error)
}

// Risk is the slice of the risk manager the manager consumes.
type Risk interface {
	CheckSignal(sig *types.Signal) (bool, string)
	CheckTradeAllowed(ticker string, quantity int, price float64) (bool, string)
	RecordFill(ticker string, side types.Side, quantity int, price float64)
	ClosePosition(ticker string, pnl float64)
	SetOpenOrders(n int)
	Positions() []types.Position
}

// Manager owns the active-orders map and the completed-trades list.
type Manager struct {
	cfg      config.TradingConfig
	dryRun   bool
	exchange Exchange
	risk     Risk
	logger   *slog.Logger

	mu             sync.Mutex
	active         map[string]*types.Trade // by internal trade ID
	completed      []*types.Trade          // capped, oldest dropped
	submittedIDs   map[string]struct{}     // client order ids ever sent
	tickCount      int
	lastFillsFetch time.Time
	listener       func(types.Trade)

	// now is swappable so monitor timing can be tested.
	now func() time.Time

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// NewManager builds an order manager. dryRun selects paper execution.
func NewManager(cfg config.TradingConfig, dryRun bool, ex Exchange, risk Risk, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		dryRun:       dryRun,
		exchange:     ex,
		risk:         risk,
		logger:       logger.With("component", "orders"),
		active:       make(map[string]*types.Trade),
		submittedIDs: make(map[string]struct{}),
		now:          time.Now,
	}
}

// SetTradeListener registers a callback invoked after every trade state
// change, used to push executions to the operator surface.
func (m *Manager) SetTradeListener(fn func(types.Trade)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = fn
}

// SetDryRun switches execution mode for subsequent trades.
func (m *Manager) SetDryRun(dryRun bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dryRun = dryRun
}

// DryRun reports the current execution mode.
func (m *Manager) DryRun() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dryRun
}

// ExecuteSignal runs the edge and admission gates, builds a Trade, and
// submits it. Gate refusals return a StateGate error and no trade.
// Execution failures return the FAILED trade together with the error;
// the bot itself keeps running.
func (m *Manager) ExecuteSignal(ctx context.Context, sig *types.Signal) (*types.Trade, error) {
	if !sig.IsValid() {
		return nil, types.NewError(types.ErrStateGate, "signal expired", nil)
	}

	if ok, reason := m.risk.CheckSignal(sig); !ok {
		m.logger.Info("signal refused by edge gate", "ticker", sig.Ticker, "reason", reason)
		return nil, types.NewError(types.ErrStateGate, reason, nil)
	}
	if ok, reason := m.risk.CheckTradeAllowed(sig.Ticker, sig.RecommendedQuantity, sig.RecommendedPrice); !ok {
		m.logger.Info("signal refused by risk gate", "ticker", sig.Ticker, "reason", reason)
		return nil, types.NewError(types.ErrStateGate, reason, nil)
	}

	dryRun := m.DryRun()
	now := m.now()
	trade := &types.Trade{
		ID:            uuid.NewString(),
		ClientOrderID: uuid.NewString(),
		Ticker:        sig.Ticker,
		Side:          types.Side(sig.Direction),
		OrderType:     types.OrderTypeLimit,
		Quantity:      sig.RecommendedQuantity,
		Price:         sig.RecommendedPrice,
		Status:        types.TradePending,
		StrategyName:  sig.StrategyName,
		Edge:          sig.Edge,
		Confidence:    sig.Confidence,
		DryRun:        dryRun,
		CreatedAt:     now,
	}

	if dryRun {
		m.track(trade)
		m.logger.Info("paper trade created",
			"trade_id", trade.ID, "ticker", trade.Ticker, "side", trade.Side,
			"quantity", trade.Quantity, "price", trade.Price)
		m.notify(trade)
		return trade, nil
	}

	snap, err := m.exchange.PlaceOrder(ctx, exchange.PlaceOrderParams{
		Ticker:        trade.Ticker,
		ClientOrderID: trade.ClientOrderID,
		Side:          trade.Side,
		Action:        "buy",
		Quantity:      trade.Quantity,
		OrderType:     types.OrderTypeLimit,
		Price:         trade.Price,
	})
	if err != nil {
		trade.Status = types.TradeFailed
		trade.Notes = err.Error()
		m.complete(trade)
		m.logger.Error("order submission failed",
			"trade_id", trade.ID, "ticker", trade.Ticker, "error", err)
		m.notify(trade)
		return trade, err
	}

	trade.ExchangeOrderID = snap.OrderID
	trade.Status = types.TradeSubmitted
	trade.SubmittedAt = m.now()
	m.track(trade)
	m.logger.Info("order submitted",
		"trade_id", trade.ID, "order_id", snap.OrderID, "ticker", trade.Ticker,
		"side", trade.Side, "quantity", trade.Quantity, "price", trade.Price)
	m.notify(trade)
	return trade, nil
}

// Cancel cancels one active trade. Cancelling a terminal trade is
// refused with a warning.
func (m *Manager) Cancel(ctx context.Context, tradeID string) bool {
	m.mu.Lock()
	trade, ok := m.active[tradeID]
	if !ok {
		for _, t := range m.completed {
			if t.ID == tradeID {
				trade = t
				break
			}
		}
	}
	var status types.TradeStatus
	var exchangeID string
	if trade != nil {
		status = trade.Status
		exchangeID = trade.ExchangeOrderID
	}
	m.mu.Unlock()

	if trade == nil {
		m.logger.Warn("cancel for unknown trade", "trade_id", tradeID)
		return false
	}
	if status.IsTerminal() {
		m.logger.Warn("cancel refused for terminal trade",
			"trade_id", tradeID, "status", status)
		return false
	}

	if !m.DryRun() && exchangeID != "" {
		if _, err := m.exchange.CancelOrder(ctx, exchangeID); err != nil {
			m.logger.Error("cancel failed", "trade_id", tradeID, "error", err)
			return false
		}
	}

	m.markCancelled(trade)
	return true
}

// CancelAll cancels every active order, batching exchange cancels in
// groups of 20. Returns the number of trades cancelled.
func (m *Manager) CancelAll(ctx context.Context) int {
	m.mu.Lock()
	var trades []*types.Trade
	var orderIDs []string
	for _, t := range m.active {
		if t.Status.IsTerminal() {
			continue
		}
		trades = append(trades, t)
		if t.ExchangeOrderID != "" {
			orderIDs = append(orderIDs, t.ExchangeOrderID)
		}
	}
	m.mu.Unlock()

	if !m.DryRun() {
		for start := 0; start < len(orderIDs); start += batchCancelSize {
			end := start + batchCancelSize
			if end > len(orderIDs) {
				end = len(orderIDs)
			}
			if _, err := m.exchange.BatchCancel(ctx, orderIDs[start:end]); err != nil {
				m.logger.Error("batch cancel failed", "error", err)
			}
		}
	}

	for _, t := range trades {
		m.markCancelled(t)
	}
	m.logger.Info("cancelled all active orders", "count", len(trades))
	return len(trades)
}

// Decrease reduces a resting order's remaining count, by a delta or to
// an absolute target. Reducing to zero is a cancel.
func (m *Manager) Decrease(ctx context.Context, tradeID string, reduceBy, reduceTo *int) bool {
	if reduceTo != nil && *reduceTo == 0 {
		return m.Cancel(ctx, tradeID)
	}

	m.mu.Lock()
	trade, ok := m.active[tradeID]
	var terminal bool
	var exchangeID string
	if ok {
		terminal = trade.Status.IsTerminal()
		exchangeID = trade.ExchangeOrderID
	}
	m.mu.Unlock()
	if !ok || terminal {
		m.logger.Warn("decrease refused", "trade_id", tradeID)
		return false
	}

	if !m.DryRun() && exchangeID != "" {
		snap, err := m.exchange.DecreaseOrder(ctx, exchangeID, reduceBy, reduceTo)
		if err != nil {
			m.logger.Error("decrease failed", "trade_id", tradeID, "error", err)
			return false
		}
		m.mu.Lock()
		trade.Quantity = snap.RemainingCount + trade.FilledQuantity
		m.mu.Unlock()
	} else {
		m.mu.Lock()
		if reduceTo != nil {
			trade.Quantity = *reduceTo
		} else if reduceBy != nil && trade.Quantity > *reduceBy {
			trade.Quantity -= *reduceBy
		}
		m.mu.Unlock()
	}
	m.notify(trade)
	return true
}

// Amend replaces price and/or count on a resting order. The exchange
// issues a new order id, which replaces the tracked one.
func (m *Manager) Amend(ctx context.Context, tradeID string, price *float64, count *int) bool {
	m.mu.Lock()
	trade, ok := m.active[tradeID]
	var terminal bool
	var exchangeID string
	var side types.Side
	if ok {
		terminal = trade.Status.IsTerminal()
		exchangeID = trade.ExchangeOrderID
		side = trade.Side
	}
	m.mu.Unlock()
	if !ok || terminal {
		m.logger.Warn("amend refused", "trade_id", tradeID)
		return false
	}

	if m.DryRun() || exchangeID == "" {
		m.mu.Lock()
		if price != nil {
			trade.Price = *price
		}
		if count != nil {
			trade.Quantity = *count
		}
		m.mu.Unlock()
		m.notify(trade)
		return true
	}

	res, err := m.exchange.AmendOrder(ctx, exchangeID, side, price, count)
	if err != nil {
		m.logger.Error("amend failed", "trade_id", tradeID, "error", err)
		return false
	}
	m.mu.Lock()
	trade.ExchangeOrderID = res.Order.OrderID
	if price != nil {
		trade.Price = *price
	}
	if count != nil {
		trade.Quantity = *count
	}
	m.mu.Unlock()
	m.logger.Info("order amended", "trade_id", tradeID, "new_order_id", res.Order.OrderID)
	m.notify(trade)
	return true
}

// StartMonitor launches the background monitor loop.
func (m *Manager) StartMonitor(ctx context.Context) {
	m.mu.Lock()
	if m.monitorCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.monitorCancel = cancel
	done := make(chan struct{})
	m.monitorDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		interval := m.cfg.MonitorInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.monitorTick(ctx)
			}
		}
	}()
	m.logger.Info("order monitor started", "interval", m.cfg.MonitorInterval)
}

// StopMonitor cancels the monitor and waits for its exit.
func (m *Manager) StopMonitor() {
	m.mu.Lock()
	cancel, done := m.monitorCancel, m.monitorDone
	m.monitorCancel = nil
	m.monitorDone = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("order monitor stopped")
}

// monitorTick runs one pass of the monitor. Exported behaviour: status
// polling, paper fills, stale sweep every tick; fills reconciliation and
// settlement scan every fifth tick.
func (m *Manager) monitorTick(ctx context.Context) {
	// Field snapshots are taken under the lock; API handlers mutate
	// trades concurrently with the monitor.
	type monitorItem struct {
		trade      *types.Trade
		status     types.TradeStatus
		dryRun     bool
		exchangeID string
	}

	m.mu.Lock()
	m.tickCount++
	reconcile := m.tickCount%reconcileEvery == 0
	snapshot := make([]monitorItem, 0, len(m.active))
	for _, t := range m.active {
		snapshot = append(snapshot, monitorItem{
			trade:      t,
			status:     t.Status,
			dryRun:     t.DryRun,
			exchangeID: t.ExchangeOrderID,
		})
	}
	m.mu.Unlock()

	for _, item := range snapshot {
		switch {
		case item.dryRun && item.status == types.TradePending:
			m.maybePaperFill(item.trade)
		case item.status == types.TradeSubmitted && item.exchangeID != "":
			m.pollOrder(ctx, item.trade, item.exchangeID)
		}
	}

	if reconcile {
		m.reconcileFills(ctx)
		m.scanSettlements(ctx)
	}

	m.sweepStale(ctx)

	m.mu.Lock()
	open := len(m.active)
	m.mu.Unlock()
	m.risk.SetOpenOrders(open)
}

// maybePaperFill fills a paper trade at its limit price once it has
// rested long enough.
func (m *Manager) maybePaperFill(trade *types.Trade) {
	if m.now().Sub(trade.CreatedAt) < paperFillDelay {
		return
	}
	m.mu.Lock()
	trade.Status = types.TradeFilled
	trade.FilledQuantity = trade.Quantity
	trade.AverageFillPrice = trade.Price
	trade.Cost = float64(trade.Quantity) * trade.Price
	trade.FilledAt = m.now()
	m.mu.Unlock()

	m.risk.RecordFill(trade.Ticker, trade.Side, trade.Quantity, trade.Price)
	m.complete(trade)
	m.logger.Info("paper fill",
		"trade_id", trade.ID, "ticker", trade.Ticker, "quantity", trade.Quantity,
		"price", trade.Price)
	m.notify(trade)
}

// pollOrder fetches the exchange status for one submitted order. The
// exchange reports terminal fills as the literal "executed".
func (m *Manager) pollOrder(ctx context.Context, trade *types.Trade, orderID string) {
	snap, err := m.exchange.GetOrderStatus(ctx, orderID)
	if err != nil {
		m.logger.Warn("order status poll failed",
			"trade_id", trade.ID, "order_id", orderID, "error", err)
		return
	}

	switch snap.Status {
	case "executed":
		m.fillFromSnapshot(trade, snap)
	case "canceled", "cancelled":
		m.markCancelled(trade)
	case "rejected":
		m.markRejected(trade)
	}
}

func (m *Manager) fillFromSnapshot(trade *types.Trade, snap *exchange.OrderSnapshot) {
	m.mu.Lock()
	if trade.Status == types.TradeFilled {
		m.mu.Unlock()
		return
	}
	trade.Status = types.TradeFilled
	trade.FilledQuantity = snap.FillCount
	if trade.FilledQuantity == 0 {
		trade.FilledQuantity = trade.Quantity
	}
	if avg := snap.AverageFillPrice(); avg > 0 {
		trade.AverageFillPrice = avg
	} else {
		trade.AverageFillPrice = trade.Price
	}
	trade.Cost = float64(trade.FilledQuantity) * trade.AverageFillPrice
	trade.FilledAt = m.now()
	m.mu.Unlock()

	m.risk.RecordFill(trade.Ticker, trade.Side, trade.FilledQuantity, trade.AverageFillPrice)
	m.complete(trade)
	m.logger.Info("order filled",
		"trade_id", trade.ID, "ticker", trade.Ticker,
		"quantity", trade.FilledQuantity, "avg_price", trade.AverageFillPrice)
	m.notify(trade)
}

// reconcileFills cross-checks the fills feed so a fill missed by status
// polling still lands. A FILLED trade is never downgraded.
func (m *Manager) reconcileFills(ctx context.Context) {
	m.mu.Lock()
	since := m.lastFillsFetch
	byOrderID := make(map[string]*types.Trade)
	for _, t := range m.active {
		if t.ExchangeOrderID != "" && t.Status == types.TradeSubmitted {
			byOrderID[t.ExchangeOrderID] = t
		}
	}
	m.mu.Unlock()

	if m.DryRun() || len(byOrderID) == 0 {
		return
	}

	page, err := m.exchange.GetFills(ctx, exchange.FillsQuery{MinTS: since})
	if err != nil {
		m.logger.Warn("fills reconciliation failed", "error", err)
		return
	}

	for i := range page.Fills {
		fill := &page.Fills[i]
		trade, ok := byOrderID[fill.OrderID]
		if !ok {
			continue
		}
		m.mu.Lock()
		alreadyFilled := trade.Status == types.TradeFilled
		m.mu.Unlock()
		if alreadyFilled {
			continue
		}
		cents := fill.YesPrice
		if fill.Side == "no" {
			cents = fill.NoPrice
		}
		m.fillFromSnapshot(trade, &exchange.OrderSnapshot{
			OrderID:       fill.OrderID,
			Status:        "executed",
			FillCount:     fill.Count,
			TakerFillCost: cents * fill.Count,
		})
		m.logger.Info("fill recovered from fills feed",
			"trade_id", trade.ID, "order_id", fill.OrderID)
	}

	m.mu.Lock()
	m.lastFillsFetch = m.now()
	m.mu.Unlock()
}

// sweepStale cancels orders older than one full market window.
func (m *Manager) sweepStale(ctx context.Context) {
	maxAge := m.cfg.StaleOrderAge
	if maxAge <= 0 {
		maxAge = 14 * time.Minute
	}

	m.mu.Lock()
	var stale []*types.Trade
	for _, t := range m.active {
		if t.Status.IsTerminal() {
			continue
		}
		if m.now().Sub(t.CreatedAt) > maxAge {
			stale = append(stale, t)
		}
	}
	m.mu.Unlock()

	for _, t := range stale {
		m.logger.Warn("cancelling stale order",
			"trade_id", t.ID, "age", m.now().Sub(t.CreatedAt))
		m.Cancel(ctx, t.ID)
	}
}

// scanSettlements closes paper positions whose market has resolved.
// Resolution is read off the market: closed or settled with the yes
// price pinned at an extreme.
func (m *Manager) scanSettlements(ctx context.Context) {
	if !m.DryRun() {
		return
	}

	for _, pos := range m.risk.Positions() {
		market, err := m.exchange.GetMarket(ctx, pos.Ticker)
		if err != nil {
			m.logger.Warn("settlement scan fetch failed", "ticker", pos.Ticker, "error", err)
			continue
		}
		if market.Status != types.MarketClosed && market.Status != types.MarketSettled {
			continue
		}
		if market.YesPrice == nil {
			continue
		}
		yes := *market.YesPrice
		var resolvedYes bool
		switch {
		case yes >= 0.99:
			resolvedYes = true
		case yes <= 0.01:
			resolvedYes = false
		default:
			continue
		}

		pnl := settlementPnL(pos, resolvedYes)
		m.risk.ClosePosition(pos.Ticker, pnl)
		m.attachSettlement(pos.Ticker, pnl)
		m.logger.Info("paper settlement",
			"ticker", pos.Ticker, "resolved_yes", resolvedYes, "pnl", pnl)
	}
}

// settlementPnL is the binary-contract payout: a winning side collects
// (1 - entry) per contract, a losing side forfeits its entry.
func settlementPnL(pos types.Position, resolvedYes bool) float64 {
	won := (pos.Side == types.SideYes) == resolvedYes
	if won {
		return (1 - pos.AverageEntryPrice) * float64(pos.Quantity)
	}
	return -pos.AverageEntryPrice * float64(pos.Quantity)
}

// attachSettlement records realized P&L on the most recent filled trade
// for the ticker.
func (m *Manager) attachSettlement(ticker string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.completed) - 1; i >= 0; i-- {
		t := m.completed[i]
		if t.Ticker == ticker && t.Status == types.TradeFilled && t.PnL == nil {
			t.PnL = types.Float(pnl)
			return
		}
	}
}

// ActiveOrders returns copies of the in-flight trades.
func (m *Manager) ActiveOrders() []types.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Trade, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, *t)
	}
	return out
}

// CompletedOrders returns copies of the finished trades, oldest first.
func (m *Manager) CompletedOrders() []types.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Trade, 0, len(m.completed))
	for _, t := range m.completed {
		out = append(out, *t)
	}
	return out
}

// Get looks up one trade by internal id.
func (m *Manager) Get(tradeID string) (types.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.active[tradeID]; ok {
		return *t, true
	}
	for _, t := range m.completed {
		if t.ID == tradeID {
			return *t, true
		}
	}
	return types.Trade{}, false
}

// Summary aggregates trade counts and realized paper P&L by status.
func (m *Manager) Summary() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStatus := make(map[string]int)
	totalPnL := 0.0
	for _, t := range m.active {
		byStatus[string(t.Status)]++
	}
	for _, t := range m.completed {
		byStatus[string(t.Status)]++
		if t.PnL != nil {
			totalPnL += *t.PnL
		}
	}
	return map[string]any{
		"active_orders":    len(m.active),
		"completed_orders": len(m.completed),
		"by_status":        byStatus,
		"realized_pnl":     totalPnL,
	}
}

func (m *Manager) track(trade *types.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[trade.ID] = trade
	m.submittedIDs[trade.ClientOrderID] = struct{}{}
}

// complete moves a trade from active to the capped completed list.
func (m *Manager) complete(trade *types.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, trade.ID)
	m.completed = append(m.completed, trade)
	if len(m.completed) > maxCompletedKept {
		m.completed = m.completed[len(m.completed)-maxCompletedKept:]
	}
}

func (m *Manager) markCancelled(trade *types.Trade) {
	m.mu.Lock()
	if trade.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	trade.Status = types.TradeCancelled
	trade.CancelledAt = m.now()
	m.mu.Unlock()

	m.complete(trade)
	m.logger.Info("order cancelled", "trade_id", trade.ID, "ticker", trade.Ticker)
	m.notify(trade)
}

func (m *Manager) markRejected(trade *types.Trade) {
	m.mu.Lock()
	if trade.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	trade.Status = types.TradeRejected
	m.mu.Unlock()

	m.complete(trade)
	m.logger.Warn("order rejected by the exchange", "trade_id", trade.ID, "ticker", trade.Ticker)
	m.notify(trade)
}

func (m *Manager) notify(trade *types.Trade) {
	m.mu.Lock()
	fn := m.listener
	snapshot := *trade
	m.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}
