package builtins

import (
	"context"
	"errors"

	"meridian/internal/domain"
	"meridian/internal/strategy"
)

// MomentumID is the registry ID of Momentum.
const MomentumID = "momentum"

// Compile-time interface checks.
var (
	_ strategy.Strategy         = (*Momentum)(nil)
	_ strategy.WarmupProvider   = (*Momentum)(nil)
	_ strategy.TradeSizer       = (*Momentum)(nil)
	_ strategy.SignalScaler     = (*Momentum)(nil)
	_ strategy.SymbolDeclarer   = (*Momentum)(nil)
	_ strategy.LookbackProvider = (*Momentum)(nil)
)

// Momentum compares the latest close with the close LookbackBars earlier.
// A return at or above Threshold targets +MaxAbsQty, at or below
// -Threshold targets -MaxAbsQty, anything between is flat.
type Momentum struct {
	Lookback  int
	Threshold float64
	MaxAbsQty float64

	tradeSize
	symbols []string
}

// NewMomentum validates the parameters.
func NewMomentum(lookback int, threshold, maxAbsQty float64) (*Momentum, error) {
	if lookback <= 0 {
		return nil, errors.New("lookback_bars must be positive")
	}
	if maxAbsQty <= 0 {
		return nil, errors.New("max_abs_qty must be positive")
	}
	if threshold < 0 {
		return nil, errors.New("threshold must be non-negative")
	}
	return &Momentum{Lookback: lookback, Threshold: threshold, MaxAbsQty: maxAbsQty}, nil
}

// NewMomentumFromParams reads lookback_bars (10), threshold (0.01),
// max_abs_qty (2), the optional trade size bounds and symbols.
func NewMomentumFromParams(p strategy.Params) (strategy.Strategy, error) {
	lookback, err := p.Int("lookback_bars", 10)
	if err != nil {
		return nil, err
	}
	threshold, err := p.Float("threshold", 0.01)
	if err != nil {
		return nil, err
	}
	maxQty, err := p.Float("max_abs_qty", 2)
	if err != nil {
		return nil, err
	}
	m, err := NewMomentum(lookback, threshold, maxQty)
	if err != nil {
		return nil, err
	}
	if m.tradeSize, err = parseTradeSize(p); err != nil {
		return nil, err
	}
	m.symbols = p.Strings("symbols")
	return m, nil
}

func (m *Momentum) Name() string              { return MomentumID }
func (m *Momentum) WarmupBars() int           { return m.Lookback + 1 }
func (m *Momentum) LookbackBars() int         { return m.Lookback }
func (m *Momentum) SignalScale() float64      { return m.MaxAbsQty }
func (m *Momentum) DeclaredSymbols() []string { return m.symbols }

// DecideTargets returns a target for every symbol in bars.
func (m *Momentum) DecideTargets(_ context.Context, bars map[string][]domain.Bar, _ domain.PortfolioSnapshot) (map[string]float64, error) {
	out := make(map[string]float64, len(bars))
	for sym, series := range bars {
		out[sym] = m.target(series)
	}
	return out, nil
}

func (m *Momentum) target(series []domain.Bar) float64 {
	if len(series) <= m.Lookback {
		return 0
	}
	cur := series[len(series)-1].Close
	ref := series[len(series)-1-m.Lookback].Close
	if ref == 0 {
		return 0
	}
	score := (cur - ref) / ref
	switch {
	case score >= m.Threshold:
		return m.MaxAbsQty
	case score <= -m.Threshold:
		return -m.MaxAbsQty
	}
	return 0
}
