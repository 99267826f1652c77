// Package strategy defines the Strategy interface for target-position
// strategies and a Registry that builds them from a stable identifier.
package strategy

import (
	"context"
	"slices"

	"meridian/internal/domain"
)

// Strategy turns the visible bar history into a per-symbol target signal.
// The signal is a target quantity in units sizing mode and a signed
// strength in notional mode.
type Strategy interface {
	// Name returns the registry identifier of the strategy.
	Name() string

	// DecideTargets returns a target signal for every symbol it has an
	// opinion on. Symbols it omits are left untouched by the engine.
	DecideTargets(ctx context.Context, bars map[string][]domain.Bar, snapshot domain.PortfolioSnapshot) (map[string]float64, error)
}

// WarmupProvider is implemented by strategies that need a minimum number of
// bars before they produce a meaningful signal.
type WarmupProvider interface {
	WarmupBars() int
}

// TradeSizer is implemented by strategies that size notional trades as a
// percentage range of equity. Percentages are in 0..100.
type TradeSizer interface {
	TradeSizeBounds() (minPct, maxPct float64, ok bool)
}

// SignalScaler is implemented by strategies whose signal magnitude maps to
// full trade size at a value other than 1.
type SignalScaler interface {
	SignalScale() float64
}

// SymbolDeclarer is implemented by strategies that name the symbols they
// trade.
type SymbolDeclarer interface {
	DeclaredSymbols() []string
}

// LookbackProvider is implemented by strategies with a characteristic
// lookback horizon, used for decision diagnostics.
type LookbackProvider interface {
	LookbackBars() int
}

// WarmupBars returns the strategy's warmup requirement, at least 2.
func WarmupBars(s Strategy) int {
	if w, ok := s.(WarmupProvider); ok && w.WarmupBars() > 2 {
		return w.WarmupBars()
	}
	return 2
}

// TradeSizeBounds returns the strategy's trade-size range as fractions of
// equity. ok is false when the strategy declares none or an invalid range.
func TradeSizeBounds(s Strategy) (minFrac, maxFrac float64, ok bool) {
	ts, isSizer := s.(TradeSizer)
	if !isSizer {
		return 0, 0, false
	}
	lo, hi, declared := ts.TradeSizeBounds()
	if !declared || lo <= 0 || hi <= 0 || lo > hi {
		return 0, 0, false
	}
	return lo / 100, hi / 100, true
}

// SignalScale returns the signal magnitude that maps to full trade size,
// defaulting to 1.
func SignalScale(s Strategy) float64 {
	if sc, ok := s.(SignalScaler); ok && sc.SignalScale() > 0 {
		return sc.SignalScale()
	}
	return 1
}

// LookbackBars returns the diagnostic lookback horizon, at least 1.
func LookbackBars(s Strategy) int {
	if lp, ok := s.(LookbackProvider); ok && lp.LookbackBars() > 1 {
		return lp.LookbackBars()
	}
	return 1
}

// ResolveSymbols reconciles configured symbols with those the strategy
// declares. Declared symbols are merged in when the two lists overlap and
// replace the configured list when they do not.
func ResolveSymbols(configured []string, s Strategy) []string {
	cfg := domain.NormalizeSymbols(configured)
	d, ok := s.(SymbolDeclarer)
	if !ok {
		return cfg
	}
	declared := domain.NormalizeSymbols(d.DeclaredSymbols())
	if len(declared) == 0 {
		return cfg
	}
	for _, sym := range declared {
		if slices.Contains(cfg, sym) {
			return domain.NormalizeSymbols(append(cfg, declared...))
		}
	}
	return declared
}
