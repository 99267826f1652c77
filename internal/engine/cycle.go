package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"meridian/internal/broker"
	"meridian/internal/domain"
	"meridian/internal/events"
	"meridian/internal/marketdata"
)

// CycleResult is everything one cycle decided and did.
type CycleResult struct {
	Cycle        int
	Reconciled   []Resolution
	Portfolio    domain.PortfolioSnapshot
	LatestPrices map[string]float64
	Signals      map[string]float64
	Targets      map[string]float64
	RawOrders    []domain.OrderRequest
	RiskOrders   []domain.OrderRequest
	Blocked      []BlockedOrder
	Duplicates   []domain.OrderRequest
	Prepared     []domain.OrderRequest
	Receipts     []domain.OrderReceipt
}

// RunCycle executes one decision and submission pass. Once the intent
// persistence stage starts, the cycle runs to completion even if ctx is
// cancelled.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	e.cycles++
	res := &CycleResult{Cycle: e.cycles}
	level := e.cycleLevel()

	// 1. Resolve anything left in flight by a previous process.
	if e.cfg.Mode.IsLive() && (!e.reconciled || e.cfg.ReconcileEachCycle) {
		resolutions, err := e.reconciler.Reconcile(ctx)
		for _, r := range resolutions {
			e.emit(events.OrderUpdate, r.Payload())
		}
		res.Reconciled = resolutions
		if err != nil {
			return res, fmt.Errorf("reconciling: %w", err)
		}
		e.reconciled = true
	}

	// 2. Market data.
	bars, err := e.loadBars(ctx)
	if err != nil {
		return res, err
	}
	prices := latestPrices(bars)
	res.LatestPrices = prices
	if pu, ok := e.broker.(broker.PriceUpdater); ok {
		pu.UpdateMarketPrices(prices)
	}

	// 3. Account state.
	snap, err := e.broker.GetPortfolio(ctx)
	if err != nil {
		return res, fmt.Errorf("getting portfolio: %w", err)
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return res, fmt.Errorf("getting positions: %w", err)
	}
	positions = alignPositions(positions, e.cfg.Symbols, e.symbolKey)
	snap.Positions = positions
	res.Portfolio = snap
	pnl := e.equityMetrics(snap.Equity)

	// 4. Strategy targets, sized into quantities.
	raw, err := e.strategy.DecideTargets(ctx, bars, snap)
	if err != nil {
		return res, fmt.Errorf("deciding targets: %w", err)
	}
	signals := make(map[string]float64, len(raw))
	for sym, v := range raw {
		signals[e.ownSymbol(sym)] = v
	}
	res.Signals = signals
	targets := e.cfg.Sizing.ResolveTargets(signals, prices, snap.Equity, e.bounds)
	res.Targets = targets
	decisions := e.emitDecisions(ctx, bars, signals, targets, positions)

	// 5. Delta orders and the risk gate.
	res.RawOrders = ComputeOrders(positions, targets, e.cfg.Sizing, e.cfg.Orders)
	nonShortable := e.nonShortable(res.RawOrders)
	res.RiskOrders = e.risk.FilterOrders(res.RawOrders, snap, nonShortable)
	res.Blocked = e.risk.FindBlocked(res.RawOrders, res.RiskOrders, snap, nonShortable)
	for _, b := range res.Blocked {
		e.log.Log(ctx, level, "order update",
			"order_id", "risk",
			"status", "blocked_"+string(b.Reason),
			"order", b.Order.String(),
		)
		e.emit(events.OrderUpdate, b.Payload())
	}

	// 6. Dedupe and persist intents. From here on the cycle runs to the
	// end even on shutdown: a saved intent must reach the broker.
	ctx = context.WithoutCancel(ctx)
	prepared, duplicates, err := e.prepareOrders(ctx, res.RiskOrders, positions, prices)
	res.Prepared, res.Duplicates = prepared, duplicates
	if err != nil {
		return res, err
	}

	e.log.Log(ctx, level, "cycle summary",
		"cycle", e.cycles,
		"equity", pnl["equity"],
		"pnl_start", pnl["pnl_start"],
		"pnl_prev", pnl["pnl_prev"],
		"raw", len(res.RawOrders),
		"risk", len(res.RiskOrders),
		"prepared", len(prepared),
		"risk_blocked", len(res.Blocked),
		"duplicate_blocked", len(duplicates),
	)
	e.emit(events.CycleSummary, map[string]any{
		"stage":             "pre_submit",
		"cycle":             e.cycles,
		"portfolio":         portfolioPayload(snap),
		"pnl":               pnl,
		"latest_prices":     prices,
		"target_signals":    signals,
		"positions":         positionsPayload(positions),
		"targets":           targets,
		"raw_orders":        ordersPayload(res.RawOrders),
		"risk_orders":       ordersPayload(res.RiskOrders),
		"prepared_orders":   ordersPayload(prepared),
		"risk_blocked":      blockedPayload(res.Blocked),
		"duplicate_blocked": ordersPayload(duplicates),
		"counts": map[string]int{
			"raw_orders":        len(res.RawOrders),
			"risk_orders":       len(res.RiskOrders),
			"prepared_orders":   len(prepared),
			"risk_blocked":      len(res.Blocked),
			"duplicate_blocked": len(duplicates),
		},
		"decisions": decisions,
	})

	// 7. Submit.
	subCtx := ctx
	var submitErr error
	if len(prepared) > 0 {
		receipts, err := e.broker.SubmitOrders(subCtx, prepared)
		res.Receipts = receipts
		e.recordReceipts(subCtx, receipts)
		if err != nil {
			submitErr = fmt.Errorf("submitting %d orders: %w", len(prepared), err)
		}
	}

	// 8. Post-submit snapshot.
	post := map[string]any{
		"stage":                 "post_submit",
		"cycle":                 e.cycles,
		"submitted_order_count": len(res.Receipts),
	}
	if len(res.Receipts) > 0 {
		post["receipts"] = receiptsPayload(res.Receipts)
	}
	if after, err := e.broker.GetPortfolio(subCtx); err != nil {
		e.log.Warn("post-submit portfolio unavailable", "error", err)
	} else {
		post["positions_after"] = positionsPayload(after.Positions)
		post["portfolio_after"] = portfolioPayload(after)
		if e.cfg.Mode == domain.ModeBacktest {
			e.curve.Add(after.Equity, len(res.Receipts))
		}
	}
	e.emit(events.CycleSummary, post)
	return res, submitErr
}

// loadBars fetches every configured symbol. Symbols without data are
// skipped and logged.
func (e *Engine) loadBars(ctx context.Context) (map[string][]domain.Bar, error) {
	bars := make(map[string][]domain.Bar, len(e.cfg.Symbols))
	for _, sym := range e.cfg.Symbols {
		series, err := e.data.GetBars(ctx, sym)
		if errors.Is(err, marketdata.ErrNoBars) || (err == nil && len(series) == 0) {
			e.log.Warn("no bars, skipping symbol", "symbol", sym)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("getting bars for %s: %w", sym, err)
		}
		bars[sym] = series
	}
	return bars, nil
}

// ownSymbol maps a symbol spelled the broker's way, or any other way, onto
// the configured symbol it names. Unknown symbols are only normalized.
func (e *Engine) ownSymbol(symbol string) string {
	key := e.symbolKey(symbol)
	for _, s := range e.cfg.Symbols {
		if e.symbolKey(s) == key {
			return s
		}
	}
	return domain.NormalizeSymbol(symbol)
}

// symbolKeyFor returns the identity function used to match symbols against
// broker positions.
func symbolKeyFor(b broker.Broker) func(string) string {
	if n, ok := b.(broker.SymbolNormalizer); ok {
		return n.NormalizeSymbol
	}
	return domain.SymbolKey
}

// alignPositions re-keys positions onto symbols, so a holding the broker
// reports as "ETHUSD" is found under a configured "ETH/USD".
func alignPositions(positions map[string]domain.Position, symbols []string, key func(string) string) map[string]domain.Position {
	own := make(map[string]string, len(symbols))
	for _, s := range symbols {
		own[key(s)] = s
	}
	out := make(map[string]domain.Position, len(positions))
	for sym, p := range positions {
		if s, ok := own[key(sym)]; ok {
			sym = s
		}
		p.Qty += out[sym].Qty
		p.Symbol = sym
		out[sym] = p
	}
	return out
}

// nonShortable asks a live broker which of the ordered symbols can never
// be sold short.
func (e *Engine) nonShortable(orders []domain.OrderRequest) map[string]bool {
	sc, ok := e.broker.(broker.ShortableChecker)
	if !ok || !e.cfg.Mode.IsLive() || len(orders) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(orders))
	for _, o := range orders {
		symbols = append(symbols, o.Symbol)
	}
	return sc.NonShortable(symbols)
}

// prepareOrders drops orders that duplicate an active intent, assigns a
// client order ID to the rest and persists them as intended.
func (e *Engine) prepareOrders(ctx context.Context, orders []domain.OrderRequest, positions map[string]domain.Position, prices map[string]float64) (prepared, duplicates []domain.OrderRequest, err error) {
	level := e.cycleLevel()
	for i, o := range orders {
		active, err := e.store.HasActiveIntent(ctx, o.Symbol, o.Side, o.Qty)
		if err != nil {
			return prepared, duplicates, fmt.Errorf("checking active intent for %s: %w", o, err)
		}
		if active {
			duplicates = append(duplicates, o)
			e.log.Warn("order update", "order_id", "dedupe", "status", "duplicate_blocked", "order", o.String())
			e.emit(events.OrderUpdate, map[string]any{
				"symbol": o.Symbol,
				"side":   string(o.Side),
				"qty":    o.Qty,
				"status": "duplicate_blocked",
				"reason": "active_intent",
			})
			continue
		}

		o.ClientOrderID = e.clientOrderID(i, o.Symbol)
		before := domain.PositionQty(positions, o.Symbol)
		if err := e.store.SaveIntendedOrder(ctx, e.cfg.RunID, o, before); err != nil {
			return prepared, duplicates, fmt.Errorf("saving intent %s: %w", o.ClientOrderID, err)
		}
		prepared = append(prepared, o)

		payload := map[string]any{
			"symbol":          o.Symbol,
			"side":            string(o.Side),
			"qty":             o.Qty,
			"client_order_id": o.ClientOrderID,
		}
		args := []any{"symbol", o.Symbol, "side", o.Side, "qty", o.Qty, "client_order_id", o.ClientOrderID}
		if px, ok := prices[o.Symbol]; ok && px > 0 {
			payload["reference_price"] = round(px, 6)
			payload["est_notional"] = round(px*o.Qty, 4)
			args = append(args, "reference_price", payload["reference_price"], "est_notional", payload["est_notional"])
		}
		e.log.Log(ctx, level, "order submit", args...)
		e.emit(events.OrderSubmit, payload)
	}
	return prepared, duplicates, nil
}

// clientOrderID builds a broker-unique ID: run prefix, symbol, order index
// and a random suffix.
func (e *Engine) clientOrderID(index int, symbol string) string {
	prefix := e.cfg.RunID
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	suffix := strings.ReplaceAll(e.newID(), "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	clean := strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, strings.ToUpper(symbol))
	return fmt.Sprintf("%s-%s-%d-%s", prefix, clean, index, suffix)
}

// recordReceipts marks every acknowledged intent submitted and emits its
// order_update. Store failures are logged; reconciliation repairs them.
func (e *Engine) recordReceipts(ctx context.Context, receipts []domain.OrderReceipt) {
	level := e.cycleLevel()
	for _, r := range receipts {
		if r.ClientOrderID != "" {
			if err := e.store.MarkSubmitted(ctx, r.ClientOrderID, r.OrderID, r.Status); err != nil {
				e.log.Error("marking intent submitted",
					"client_order_id", r.ClientOrderID,
					"order_id", r.OrderID,
					"error", err,
				)
			}
		}
		payload := receiptPayload(r)
		e.log.Log(ctx, level, "order update",
			"order_id", r.OrderID,
			"status", r.Status,
			"client_order_id", r.ClientOrderID,
			"filled_avg_price", payload["filled_avg_price"],
		)
		e.emit(events.OrderUpdate, payload)
	}
}

// emitDecisions emits one decision event per target symbol and returns the
// per-symbol diagnostics included in backtests.
func (e *Engine) emitDecisions(ctx context.Context, bars map[string][]domain.Bar, signals, targets map[string]float64, positions map[string]domain.Position) map[string]map[string]any {
	withDetails := e.cfg.Mode == domain.ModeBacktest
	decisions := make(map[string]map[string]any)
	for _, sym := range sortedKeys(targets) {
		target := targets[sym]
		current := domain.PositionQty(positions, sym)
		payload := map[string]any{
			"symbol":        sym,
			"target_signal": signals[sym],
			"target_qty":    target,
			"current_qty":   current,
		}
		if withDetails {
			details := decisionDetails(bars[sym], e.lookback, target, current)
			details["target_signal"] = signals[sym]
			decisions[sym] = details
			for k, v := range details {
				payload[k] = v
			}
		}
		e.log.Log(ctx, e.cycleLevel(), "decision", "symbol", sym, "target", target, "current", current)
		e.emit(events.Decision, payload)
	}
	return decisions
}

// cycleLevel keeps per-cycle chatter out of Info during backtests.
func (e *Engine) cycleLevel() slog.Level {
	if e.cfg.Mode == domain.ModeBacktest {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// equityMetrics tracks PnL against the first and the previous cycle.
func (e *Engine) equityMetrics(equity float64) map[string]any {
	if e.startEquity == nil {
		start := equity
		e.startEquity = &start
	}
	prev := equity
	if e.prevEquity != nil {
		prev = *e.prevEquity
	}
	start := *e.startEquity
	pnlStart := equity - start
	pct := 0.0
	if start != 0 {
		pct = pnlStart / start
	}
	cur := equity
	e.prevEquity = &cur
	return map[string]any{
		"equity":        round(equity, 4),
		"pnl_start":     round(pnlStart, 4),
		"pnl_prev":      round(equity-prev, 4),
		"pnl_start_pct": round(pct, 6),
	}
}

// ---------------------------------------------------------------------------
// Payload helpers
// ---------------------------------------------------------------------------

func latestPrices(bars map[string][]domain.Bar) map[string]float64 {
	out := make(map[string]float64, len(bars))
	for sym, series := range bars {
		if len(series) == 0 {
			continue
		}
		out[sym] = round(series[len(series)-1].Close, 6)
	}
	return out
}

func decisionDetails(series []domain.Bar, lookback int, target, current float64) map[string]any {
	d := map[string]any{"delta_qty": round(target-current, 8), "bars": len(series)}
	if len(series) == 0 {
		return d
	}
	last := series[len(series)-1]
	d["close"] = round(last.Close, 6)
	if !last.Timestamp.IsZero() {
		d["asof"] = last.Timestamp.UTC().Format(time.RFC3339)
	}
	d["volume"] = float64(last.Volume)
	if n := len(series); n > 1 {
		if prev := series[n-2].Close; prev != 0 {
			d["ret_1"] = round((last.Close-prev)/prev, 6)
		}
	}
	if lookback > 0 && len(series) > lookback {
		if ref := series[len(series)-1-lookback].Close; ref != 0 {
			d["ret_lb"] = round((last.Close-ref)/ref, 6)
		}
	}
	return d
}

func portfolioPayload(p domain.PortfolioSnapshot) map[string]any {
	return map[string]any{
		"cash":         round(p.Cash, 4),
		"equity":       round(p.Equity, 4),
		"buying_power": round(p.BuyingPower, 4),
		"positions":    positionsPayload(p.Positions),
	}
}

func positionsPayload(positions map[string]domain.Position) map[string]float64 {
	out := make(map[string]float64, len(positions))
	for sym, p := range positions {
		out[sym] = round(p.Qty, 8)
	}
	return out
}

func ordersPayload(orders []domain.OrderRequest) []map[string]any {
	out := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		out = append(out, map[string]any{
			"symbol":          o.Symbol,
			"side":            string(o.Side),
			"qty":             o.Qty,
			"order_type":      o.OrderType,
			"time_in_force":   o.TimeInForce,
			"client_order_id": o.ClientOrderID,
		})
	}
	return out
}

func blockedPayload(blocked []BlockedOrder) []map[string]any {
	out := make([]map[string]any, 0, len(blocked))
	for _, b := range blocked {
		out = append(out, b.Payload())
	}
	return out
}

func receiptsPayload(receipts []domain.OrderReceipt) []map[string]any {
	out := make([]map[string]any, 0, len(receipts))
	for _, r := range receipts {
		out = append(out, map[string]any{
			"order_id":        r.OrderID,
			"client_order_id": r.ClientOrderID,
			"symbol":          r.Symbol,
			"side":            string(r.Side),
			"qty":             r.Qty,
			"status":          r.Status,
			"raw":             r.Raw,
		})
	}
	return out
}

// receiptPayload renders an acknowledgement plus any price and timestamp
// details the broker reported.
func receiptPayload(r domain.OrderReceipt) map[string]any {
	p := map[string]any{
		"order_id":        r.OrderID,
		"client_order_id": r.ClientOrderID,
		"symbol":          r.Symbol,
		"side":            string(r.Side),
		"qty":             r.Qty,
		"status":          r.Status,
	}
	for k, v := range PriceDetails(r) {
		p[k] = v
	}
	return p
}

// PriceDetails extracts fill price, notional and broker timestamps from a
// receipt's raw payload.
func PriceDetails(r domain.OrderReceipt) map[string]any {
	d := make(map[string]any)
	if px, ok := optionalFloat(r.Raw["filled_avg_price"]); ok {
		d["filled_avg_price"] = round(px, 6)
		d["filled_notional"] = round(px*r.Qty, 4)
	}
	for _, key := range []string{"limit_price", "stop_price"} {
		if px, ok := optionalFloat(r.Raw[key]); ok {
			d[key] = round(px, 6)
		}
	}
	for _, key := range []string{"submitted_at", "filled_at", "updated_at"} {
		if s, ok := r.Raw[key].(string); ok && strings.TrimSpace(s) != "" {
			d[key] = s
		}
	}
	return d
}

func optionalFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case decimal.Decimal:
		return n.InexactFloat64(), true
	case string:
		s := strings.TrimSpace(n)
		if s == "" || strings.EqualFold(s, "none") || strings.EqualFold(s, "null") {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

// round rounds half away from zero at places decimals.
func round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
