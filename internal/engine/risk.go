package engine

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"meridian/internal/domain"
)

// BlockReason explains why the risk gate dropped an order.
type BlockReason string

const (
	ReasonNotShortable    BlockReason = "asset_not_shortable"
	ReasonShortDisabled   BlockReason = "short_disabled"
	ReasonMaxPosition     BlockReason = "max_position_exceeded"
	ReasonFractionalShort BlockReason = "fractional_short_unsupported"
	// ReasonFiltered is reported for a dropped order no rule explains,
	// which only happens when the survivor list was produced elsewhere.
	ReasonFiltered BlockReason = "filtered"
)

// BlockedOrder is a raw order the gate removed.
type BlockedOrder struct {
	Order       domain.OrderRequest
	CurrentQty  float64
	ProposedQty float64
	Reason      BlockReason
}

// Payload renders b as an order_update event payload.
func (b BlockedOrder) Payload() map[string]any {
	return map[string]any{
		"symbol":       b.Order.Symbol,
		"side":         string(b.Order.Side),
		"qty":          b.Order.Qty,
		"current_qty":  b.CurrentQty,
		"proposed_qty": b.ProposedQty,
		"reason":       string(b.Reason),
		"status":       "risk_blocked",
	}
}

// RiskManager enforces per-order position rules against the snapshot taken
// at the start of the cycle.
type RiskManager struct {
	limits           domain.RiskLimits
	fractionalShorts bool
}

// NewRiskManager validates limits. fractionalShorts reports whether the
// broker accepts short positions with a fractional quantity.
func NewRiskManager(limits domain.RiskLimits, fractionalShorts bool) (*RiskManager, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("risk limits: %w", err)
	}
	return &RiskManager{limits: limits, fractionalShorts: fractionalShorts}, nil
}

// Limits returns the configured limits.
func (rm *RiskManager) Limits() domain.RiskLimits {
	return rm.limits
}

// CheckOrder evaluates o against the current position. It returns the
// first violated rule, or "" when the order may proceed.
func (rm *RiskManager) CheckOrder(o domain.OrderRequest, currentQty float64, nonShortable map[string]bool) (BlockReason, float64) {
	proposed := currentQty + o.SignedQty()
	switch {
	case proposed < 0 && nonShortable[domain.NormalizeSymbol(o.Symbol)]:
		return ReasonNotShortable, proposed
	case proposed < 0 && !rm.limits.AllowShort:
		return ReasonShortDisabled, proposed
	case math.Abs(proposed) > rm.limits.MaxAbsPositionPerSymbol:
		return ReasonMaxPosition, proposed
	case proposed < 0 && !rm.fractionalShorts && !isIntegral(proposed):
		return ReasonFractionalShort, proposed
	}
	return "", proposed
}

// FilterOrders returns the orders that pass every rule, in input order.
func (rm *RiskManager) FilterOrders(orders []domain.OrderRequest, snap domain.PortfolioSnapshot, nonShortable map[string]bool) []domain.OrderRequest {
	safe := make([]domain.OrderRequest, 0, len(orders))
	for _, o := range orders {
		if reason, _ := rm.CheckOrder(o, snap.PositionQty(o.Symbol), nonShortable); reason == "" {
			safe = append(safe, o)
		}
	}
	return safe
}

// FindBlocked recovers the raw orders missing from safe, matching them as a
// multiset by (symbol, side, qty, order type, time in force), and explains
// each one.
func (rm *RiskManager) FindBlocked(raw, safe []domain.OrderRequest, snap domain.PortfolioSnapshot, nonShortable map[string]bool) []BlockedOrder {
	remaining := make(map[string]int, len(safe))
	for _, o := range safe {
		remaining[orderSignature(o)]++
	}
	var blocked []BlockedOrder
	for _, o := range raw {
		sig := orderSignature(o)
		if remaining[sig] > 0 {
			remaining[sig]--
			continue
		}
		current := snap.PositionQty(o.Symbol)
		reason, proposed := rm.CheckOrder(o, current, nonShortable)
		if reason == "" {
			reason = ReasonFiltered
		}
		blocked = append(blocked, BlockedOrder{Order: o, CurrentQty: current, ProposedQty: proposed, Reason: reason})
	}
	return blocked
}

func orderSignature(o domain.OrderRequest) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s",
		o.Symbol, o.Side, decimal.NewFromFloat(o.Qty).Round(8).StringFixed(8), o.OrderType, o.TimeInForce)
}

func isIntegral(v float64) bool {
	return math.Abs(v-math.Round(v)) < 1e-9
}
