// Package builtins provides the strategies that ship with meridian.
package builtins

import (
	"fmt"

	"meridian/internal/strategy"
	"meridian/internal/strategy/algo"
)

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) error {
	factories := map[string]strategy.Factory{
		SMACrossoverID: NewSMACrossoverFromParams,
		MomentumID:     NewMomentumFromParams,
		DonchianID:     algo.Factory(DonchianID, newDonchianAlgorithm),
	}
	for id, f := range factories {
		if err := r.Register(id, f); err != nil {
			return fmt.Errorf("registering %s: %w", id, err)
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	if err := Register(r); err != nil {
		// Only reachable with duplicate IDs above.
		panic(err)
	}
	return r
}

// tradeSize carries the optional notional sizing bounds shared by the
// built-ins (percent of equity).
type tradeSize struct {
	minPct, maxPct float64
}

func parseTradeSize(p strategy.Params) (tradeSize, error) {
	lo, err := p.Float("min_trade_size_pct", 0)
	if err != nil {
		return tradeSize{}, err
	}
	hi, err := p.Float("max_trade_size_pct", 0)
	if err != nil {
		return tradeSize{}, err
	}
	if lo < 0 || hi < 0 || hi > 100 {
		return tradeSize{}, fmt.Errorf("trade size pct must be within 0..100, got %g..%g", lo, hi)
	}
	if lo > hi {
		return tradeSize{}, fmt.Errorf("min_trade_size_pct %g exceeds max_trade_size_pct %g", lo, hi)
	}
	return tradeSize{minPct: lo, maxPct: hi}, nil
}

// TradeSizeBounds implements strategy.TradeSizer.
func (t tradeSize) TradeSizeBounds() (float64, float64, bool) {
	return t.minPct, t.maxPct, t.minPct > 0 && t.maxPct > 0
}
