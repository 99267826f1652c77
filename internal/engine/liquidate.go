package engine

import (
	"context"
	"fmt"
	"log/slog"

	"meridian/internal/broker"
	"meridian/internal/domain"
)

// LiquidationResult reports what a liquidation submitted and the account
// afterwards.
type LiquidationResult struct {
	Positions map[string]domain.Position
	Receipts  []domain.OrderReceipt
	Portfolio domain.PortfolioSnapshot
}

// Liquidate flattens every position. Brokers with a server-side close
// operation use it (cancelling open orders first); otherwise offsetting
// market orders are submitted.
func Liquidate(ctx context.Context, b broker.Broker, defaults OrderDefaults, log *slog.Logger) (*LiquidationResult, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "liquidate", "broker", b.Name())

	positions, err := b.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting positions: %w", err)
	}
	res := &LiquidationResult{Positions: positions}

	switch {
	case len(positions) == 0:
		log.Info("order update", "order_id", "liquidate", "status", "no_positions")

	case isCloser(b):
		receipts, err := b.(broker.PositionCloser).CloseAllPositions(context.WithoutCancel(ctx), true)
		res.Receipts = receipts
		logReceipts(log, receipts)
		if err != nil {
			return res, err
		}

	default:
		orders := BuildLiquidationOrders(positions, defaults)
		for _, o := range orders {
			log.Info("order submit", "symbol", o.Symbol, "side", o.Side, "qty", o.Qty, "client_order_id", "liquidate")
		}
		receipts, err := b.SubmitOrders(context.WithoutCancel(ctx), orders)
		res.Receipts = receipts
		logReceipts(log, receipts)
		if err != nil {
			return res, fmt.Errorf("submitting liquidation orders: %w", err)
		}
	}

	snap, err := b.GetPortfolio(ctx)
	if err != nil {
		return res, fmt.Errorf("getting portfolio: %w", err)
	}
	res.Portfolio = snap
	log.Info("portfolio", "cash", round(snap.Cash, 2), "equity", round(snap.Equity, 2), "buying_power", round(snap.BuyingPower, 2))
	return res, nil
}

func isCloser(b broker.Broker) bool {
	_, ok := b.(broker.PositionCloser)
	return ok
}

func logReceipts(log *slog.Logger, receipts []domain.OrderReceipt) {
	for _, r := range receipts {
		args := []any{"order_id", r.OrderID, "status", r.Status, "symbol", r.Symbol, "side", r.Side, "qty", r.Qty}
		for k, v := range PriceDetails(r) {
			args = append(args, k, v)
		}
		log.Info("order update", args...)
	}
}
