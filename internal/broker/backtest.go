package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"meridian/internal/domain"
)

// Compile-time interface checks.
var (
	_ Broker       = (*BacktestBroker)(nil)
	_ PriceUpdater = (*BacktestBroker)(nil)
)

// ErrNoPrice is returned when an order targets a symbol with no known
// current price. Filling at zero would corrupt PnL.
var ErrNoPrice = errors.New("broker: no current price")

// BacktestBroker fills every market order completely and instantly at the
// latest pushed close price. It makes no network calls and keeps all state
// in memory.
type BacktestBroker struct {
	cash      float64
	positions map[string]float64
	prices    map[string]float64
	newID     func() string
}

// NewBacktestBroker creates a BacktestBroker holding startingCash and no
// positions.
func NewBacktestBroker(startingCash float64) *BacktestBroker {
	return &BacktestBroker{
		cash:      startingCash,
		positions: make(map[string]float64),
		prices:    make(map[string]float64),
		newID:     func() string { return uuid.NewString() },
	}
}

// Name returns "backtest".
func (b *BacktestBroker) Name() string {
	return "backtest"
}

// UpdateMarketPrices records the current bar's close for each symbol.
// Non-positive prices are ignored.
func (b *BacktestBroker) UpdateMarketPrices(prices map[string]float64) {
	for sym, p := range prices {
		if p > 0 {
			b.prices[sym] = p
		}
	}
}

// Cash returns the simulated cash balance.
func (b *BacktestBroker) Cash() float64 {
	return b.cash
}

// GetPortfolio marks every position to its last known price. Equity is
// recomputed on every call.
func (b *BacktestBroker) GetPortfolio(ctx context.Context) (domain.PortfolioSnapshot, error) {
	positions, _ := b.GetPositions(ctx)
	equity := b.cash
	for sym, qty := range b.positions {
		equity += qty * b.prices[sym]
	}
	return domain.PortfolioSnapshot{
		Cash:        b.cash,
		Equity:      equity,
		BuyingPower: b.cash,
		Positions:   positions,
	}, nil
}

// GetPositions returns a copy of the simulated positions.
func (b *BacktestBroker) GetPositions(_ context.Context) (map[string]domain.Position, error) {
	out := make(map[string]domain.Position, len(b.positions))
	for sym, qty := range b.positions {
		out[sym] = domain.Position{Symbol: sym, Qty: qty}
	}
	return out, nil
}

// GetOpenOrders always returns nothing: simulated orders fill immediately.
func (b *BacktestBroker) GetOpenOrders(_ context.Context) ([]domain.Order, error) {
	return nil, nil
}

// SubmitOrders fills orders at the current price. If any order lacks a
// price the whole call fails and no order is filled.
func (b *BacktestBroker) SubmitOrders(_ context.Context, orders []domain.OrderRequest) ([]domain.OrderReceipt, error) {
	var missing []string
	for _, o := range orders {
		if _, ok := b.prices[o.Symbol]; !ok {
			missing = append(missing, o.Symbol)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("submitting %d orders: %w for %v", len(orders), ErrNoPrice, missing)
	}

	receipts := make([]domain.OrderReceipt, 0, len(orders))
	for _, o := range orders {
		price := b.prices[o.Symbol]
		signed := o.SignedQty()
		b.cash -= price * signed

		updated := b.positions[o.Symbol] + signed
		if updated == 0 {
			delete(b.positions, o.Symbol)
		} else {
			b.positions[o.Symbol] = updated
		}

		receipts = append(receipts, domain.OrderReceipt{
			OrderID:       b.newID(),
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Qty:           o.Qty,
			Status:        "filled",
			Raw: map[string]any{
				"source":           "backtest",
				"filled_avg_price": price,
			},
		})
	}
	return receipts, nil
}
