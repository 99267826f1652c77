package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"meridian/internal/strategy"
)

// SizingMethod selects how a strategy signal becomes a target quantity.
type SizingMethod string

const (
	// SizingUnits treats the signal as the target quantity itself.
	SizingUnits SizingMethod = "units"
	// SizingNotional converts the signal into a dollar amount, then into a
	// quantity at the latest close.
	SizingNotional SizingMethod = "notional"
)

// Sizing holds the quantity rules shared by the target resolver.
type Sizing struct {
	Method       SizingMethod
	NotionalUSD  float64
	QtyPrecision int32
	MinTradeQty  float64
}

// DefaultSizing sizes in whole units.
func DefaultSizing() Sizing {
	return Sizing{Method: SizingUnits, NotionalUSD: 1000, QtyPrecision: 0}
}

// Validate rejects unusable sizing rules.
func (s Sizing) Validate() error {
	switch SizingMethod(strings.ToLower(string(s.Method))) {
	case SizingUnits, SizingNotional:
	default:
		return fmt.Errorf("unknown sizing method %q (want units or notional)", s.Method)
	}
	if s.QtyPrecision < 0 || s.QtyPrecision > 8 {
		return fmt.Errorf("qty_precision must be within 0..8, got %d", s.QtyPrecision)
	}
	if s.MinTradeQty < 0 {
		return fmt.Errorf("min_trade_qty must not be negative, got %g", s.MinTradeQty)
	}
	if s.method() == SizingNotional && s.NotionalUSD <= 0 {
		return fmt.Errorf("notional_usd must be positive, got %g", s.NotionalUSD)
	}
	return nil
}

func (s Sizing) method() SizingMethod {
	return SizingMethod(strings.ToLower(string(s.Method)))
}

// Quantize truncates qty toward zero at precision decimals. Results within
// 1e-9 of zero become exactly 0.
func Quantize(qty float64, precision int32) float64 {
	if math.IsNaN(qty) || math.IsInf(qty, 0) {
		return 0
	}
	q := decimal.NewFromFloat(qty).Truncate(precision).InexactFloat64()
	if math.Abs(q) < 1e-9 {
		return 0
	}
	return q
}

// quantize applies the precision and the minimum trade size.
func (s Sizing) quantize(qty float64) float64 {
	q := Quantize(qty, s.QtyPrecision)
	if math.Abs(q) < s.MinTradeQty {
		return 0
	}
	return q
}

// TradeBounds is a strategy's notional sizing range.
type TradeBounds struct {
	MinFrac   float64
	MaxFrac   float64
	SignalCap float64
	Declared  bool
}

// BoundsFor reads the optional sizing hints of s.
func BoundsFor(s strategy.Strategy) TradeBounds {
	lo, hi, ok := strategy.TradeSizeBounds(s)
	return TradeBounds{MinFrac: lo, MaxFrac: hi, SignalCap: strategy.SignalScale(s), Declared: ok}
}

// SignalStrength maps |signal| onto 0..1 relative to cap.
func SignalStrength(signal, cap float64) float64 {
	a := math.Abs(signal)
	if a <= 1e-12 {
		return 0
	}
	if cap <= 0 {
		return 1
	}
	return math.Max(0, math.Min(a/cap, 1))
}

// TargetQty converts one signal into a quantized target quantity.
func (s Sizing) TargetQty(signal, price, equity float64, b TradeBounds) float64 {
	if s.method() != SizingNotional {
		return s.quantize(signal)
	}
	if signal == 0 || price <= 0 {
		return 0
	}
	var notional float64
	if b.Declared && equity > 0 {
		frac := b.MinFrac + (b.MaxFrac-b.MinFrac)*SignalStrength(signal, b.SignalCap)
		notional = math.Copysign(equity*frac, signal)
	} else {
		notional = s.NotionalUSD * signal
	}
	return s.quantize(notional / price)
}

// ResolveTargets sizes every signal. A missing price counts as zero.
func (s Sizing) ResolveTargets(signals, prices map[string]float64, equity float64, b TradeBounds) map[string]float64 {
	out := make(map[string]float64, len(signals))
	for _, sym := range sortedKeys(signals) {
		out[sym] = s.TargetQty(signals[sym], prices[sym], equity, b)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
