package engine

import (
	"math"

	"meridian/internal/domain"
)

// OrderDefaults are applied to every order the engine builds.
type OrderDefaults struct {
	OrderType   string
	TimeInForce string
}

func (d OrderDefaults) orderType() string {
	if d.OrderType == "" {
		return domain.DefaultOrderType
	}
	return d.OrderType
}

func (d OrderDefaults) timeInForce() string {
	if d.TimeInForce == "" {
		return domain.TimeInForceDay
	}
	return d.TimeInForce
}

// ComputeOrders turns current positions and target quantities into delta
// orders, one per symbol whose quantized delta survives the minimum trade
// size, in symbol order.
func ComputeOrders(positions map[string]domain.Position, targets map[string]float64, sizing Sizing, defaults OrderDefaults) []domain.OrderRequest {
	var orders []domain.OrderRequest
	for _, sym := range sortedKeys(targets) {
		delta := sizing.quantize(targets[sym] - domain.PositionQty(positions, sym))
		if delta == 0 {
			continue
		}
		side := domain.OrderSideBuy
		if delta < 0 {
			side = domain.OrderSideSell
		}
		orders = append(orders, domain.OrderRequest{
			Symbol:      sym,
			Qty:         math.Abs(delta),
			Side:        side,
			OrderType:   defaults.orderType(),
			TimeInForce: defaults.timeInForce(),
		})
	}
	return orders
}

// BuildLiquidationOrders returns the offsetting orders that flatten every
// non-zero position, in symbol order.
func BuildLiquidationOrders(positions map[string]domain.Position, defaults OrderDefaults) []domain.OrderRequest {
	var orders []domain.OrderRequest
	for _, sym := range sortedKeys(positions) {
		qty := positions[sym].Qty
		if qty == 0 {
			continue
		}
		side := domain.OrderSideSell
		if qty < 0 {
			side = domain.OrderSideBuy
		}
		orders = append(orders, domain.OrderRequest{
			Symbol:      sym,
			Qty:         math.Abs(qty),
			Side:        side,
			OrderType:   defaults.orderType(),
			TimeInForce: defaults.timeInForce(),
		})
	}
	return orders
}
