// Package broker defines the Broker interface and provides implementations
// for executing orders against Alpaca or a deterministic backtest simulator.
package broker

import (
	"context"

	"meridian/internal/domain"
)

// Broker abstracts brokerage operations needed by the execution engine.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "backtest").
	Name() string

	// GetPortfolio returns a snapshot of cash, equity, buying power and
	// positions.
	GetPortfolio(ctx context.Context) (domain.PortfolioSnapshot, error)

	// GetPositions returns all current positions keyed by symbol.
	GetPositions(ctx context.Context) (map[string]domain.Position, error)

	// GetOpenOrders returns orders that have not reached a terminal state.
	GetOpenOrders(ctx context.Context) ([]domain.Order, error)

	// SubmitOrders sends orders for execution and returns one receipt per
	// accepted order.
	SubmitOrders(ctx context.Context, orders []domain.OrderRequest) ([]domain.OrderReceipt, error)
}

// OrderStatusGetter is implemented by brokers that can look up a single
// order's current status.
type OrderStatusGetter interface {
	GetOrderStatus(ctx context.Context, brokerOrderID string) (string, error)
}

// PositionCloser is implemented by brokers with a server-side "close all
// positions" operation.
type PositionCloser interface {
	CloseAllPositions(ctx context.Context, cancelOrders bool) ([]domain.OrderReceipt, error)
}

// PriceUpdater is implemented by simulated brokers that fill at prices
// pushed by the engine each cycle.
type PriceUpdater interface {
	UpdateMarketPrices(prices map[string]float64)
}

// ShortableChecker is implemented by brokers that know which symbols can
// never be sold short.
type ShortableChecker interface {
	NonShortable(symbols []string) map[string]bool
}

// SymbolNormalizer is implemented by brokers whose symbol spelling differs
// from the configured one. NormalizeSymbol maps either spelling to the
// broker's own, so positions can be matched to configured symbols.
type SymbolNormalizer interface {
	NormalizeSymbol(symbol string) string
}
