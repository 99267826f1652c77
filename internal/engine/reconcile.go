package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"meridian/internal/broker"
	"meridian/internal/domain"
	"meridian/internal/store"
)

// DefaultReconcileEpsilon absorbs float noise when comparing positions.
const DefaultReconcileEpsilon = 1e-6

// Resolution is the outcome of reconciling one intent.
type Resolution struct {
	Intent       store.OrderIntentRecord
	Status       store.IntentStatus
	BrokerStatus string
	PositionQty  float64
}

// Payload renders r as an order_update event payload.
func (r Resolution) Payload() map[string]any {
	return map[string]any{
		"client_order_id": r.Intent.ClientOrderID,
		"symbol":          r.Intent.Symbol,
		"side":            string(r.Intent.Side),
		"qty":             r.Intent.Qty,
		"status":          string(r.Status),
		"broker_status":   r.BrokerStatus,
		"position_qty":    r.PositionQty,
		"position_before": r.Intent.PositionBefore,
	}
}

// Reconciler resolves every active intent against broker state so a
// restarted process never resubmits an order that already reached the
// broker.
type Reconciler struct {
	broker  broker.Broker
	store   store.IntentStore
	epsilon float64
	log     *slog.Logger
}

// NewReconciler creates a Reconciler. A non-positive epsilon selects
// DefaultReconcileEpsilon.
func NewReconciler(b broker.Broker, s store.IntentStore, epsilon float64, log *slog.Logger) *Reconciler {
	if epsilon <= 0 {
		epsilon = DefaultReconcileEpsilon
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{broker: b, store: s, epsilon: epsilon, log: log.With("component", "reconciler")}
}

// Reconcile resolves and persists every active intent, oldest first. It
// returns the resolutions made before any store error.
func (r *Reconciler) Reconcile(ctx context.Context) ([]Resolution, error) {
	// 1. Load what is still in flight.
	intents, err := r.store.ListActiveIntents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active intents: %w", err)
	}
	if len(intents) == 0 {
		return nil, nil
	}

	// 2. Snapshot broker state once.
	open, err := r.broker.GetOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting open orders: %w", err)
	}
	openIDs := make(map[string]bool, len(open))
	for _, o := range open {
		if o.ClientOrderID != "" {
			openIDs[o.ClientOrderID] = true
		}
	}
	positions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting positions: %w", err)
	}
	symbols := make([]string, 0, len(intents))
	for _, intent := range intents {
		symbols = append(symbols, intent.Symbol)
	}
	positions = alignPositions(positions, symbols, symbolKeyFor(r.broker))
	getter, canLookup := r.broker.(broker.OrderStatusGetter)

	// 3. Resolve each intent.
	out := make([]Resolution, 0, len(intents))
	for _, intent := range intents {
		var brokerStatus string
		if canLookup && intent.BrokerOrderID != "" && !openIDs[intent.ClientOrderID] {
			st, err := getter.GetOrderStatus(ctx, intent.BrokerOrderID)
			if err != nil {
				r.log.Warn("order status lookup failed",
					"client_order_id", intent.ClientOrderID,
					"broker_order_id", intent.BrokerOrderID,
					"error", err,
				)
			} else {
				brokerStatus = strings.ToLower(strings.TrimSpace(st))
			}
		}

		posQty := domain.PositionQty(positions, intent.Symbol)
		status := ResolveIntentStatus(intent, openIDs, brokerStatus, posQty, r.epsilon)
		if err := r.store.MarkReconciled(ctx, intent.ClientOrderID, status); err != nil {
			return out, fmt.Errorf("marking %s reconciled: %w", intent.ClientOrderID, err)
		}
		r.log.Info("intent reconciled",
			"client_order_id", intent.ClientOrderID,
			"symbol", intent.Symbol,
			"side", intent.Side,
			"qty", intent.Qty,
			"status", status,
		)
		out = append(out, Resolution{Intent: intent, Status: status, BrokerStatus: brokerStatus, PositionQty: posQty})
	}
	return out, nil
}

// ResolveIntentStatus decides the reconciled status of one intent. An
// empty brokerStatus means the status is unknown.
func ResolveIntentStatus(intent store.OrderIntentRecord, openIDs map[string]bool, brokerStatus string, positionQty, epsilon float64) store.IntentStatus {
	if openIDs[intent.ClientOrderID] {
		return store.StatusSubmitted
	}
	switch brokerStatus {
	case "filled", "partially_filled":
		return store.StatusFilledReconciled
	case "canceled", "cancelled", "rejected", "expired":
		return store.StatusClosedReconciled
	}
	moved := positionQty - intent.PositionBefore
	switch intent.Side {
	case domain.OrderSideBuy:
		if moved+epsilon >= intent.Qty {
			return store.StatusFilledReconciled
		}
	case domain.OrderSideSell:
		if moved-epsilon <= -intent.Qty {
			return store.StatusFilledReconciled
		}
	}
	return store.StatusStaleReconciled
}
