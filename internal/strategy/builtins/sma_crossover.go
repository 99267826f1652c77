package builtins

import (
	"context"
	"errors"

	"meridian/internal/domain"
	"meridian/internal/strategy"
)

// SMACrossoverID is the registry ID of SMACrossover.
const SMACrossoverID = "sma_crossover"

// Compile-time interface checks.
var (
	_ strategy.Strategy         = (*SMACrossover)(nil)
	_ strategy.WarmupProvider   = (*SMACrossover)(nil)
	_ strategy.TradeSizer       = (*SMACrossover)(nil)
	_ strategy.SignalScaler     = (*SMACrossover)(nil)
	_ strategy.SymbolDeclarer   = (*SMACrossover)(nil)
	_ strategy.LookbackProvider = (*SMACrossover)(nil)
)

// SMACrossover targets +TargetQty while the short SMA of closes is above
// the long SMA, -TargetQty while it is below and flat when they are equal
// or history is too short.
type SMACrossover struct {
	ShortWindow int
	LongWindow  int
	TargetQty   float64

	tradeSize
	symbols []string
}

// NewSMACrossover validates the windows and quantity.
func NewSMACrossover(short, long int, targetQty float64) (*SMACrossover, error) {
	if short <= 0 || long <= 0 {
		return nil, errors.New("SMA windows must be positive")
	}
	if short >= long {
		return nil, errors.New("short_window must be less than long_window")
	}
	if targetQty <= 0 {
		return nil, errors.New("target_qty must be positive")
	}
	return &SMACrossover{ShortWindow: short, LongWindow: long, TargetQty: targetQty}, nil
}

// NewSMACrossoverFromParams reads short_window (20), long_window (50),
// target_qty (1), the optional trade size bounds and symbols.
func NewSMACrossoverFromParams(p strategy.Params) (strategy.Strategy, error) {
	short, err := p.Int("short_window", 20)
	if err != nil {
		return nil, err
	}
	long, err := p.Int("long_window", 50)
	if err != nil {
		return nil, err
	}
	qty, err := p.Float("target_qty", 1)
	if err != nil {
		return nil, err
	}
	s, err := NewSMACrossover(short, long, qty)
	if err != nil {
		return nil, err
	}
	if s.tradeSize, err = parseTradeSize(p); err != nil {
		return nil, err
	}
	s.symbols = p.Strings("symbols")
	return s, nil
}

func (s *SMACrossover) Name() string              { return SMACrossoverID }
func (s *SMACrossover) WarmupBars() int           { return s.LongWindow + 1 }
func (s *SMACrossover) LookbackBars() int         { return s.LongWindow }
func (s *SMACrossover) SignalScale() float64      { return s.TargetQty }
func (s *SMACrossover) DeclaredSymbols() []string { return s.symbols }

// DecideTargets returns a target for every symbol in bars.
func (s *SMACrossover) DecideTargets(_ context.Context, bars map[string][]domain.Bar, _ domain.PortfolioSnapshot) (map[string]float64, error) {
	out := make(map[string]float64, len(bars))
	for sym, series := range bars {
		out[sym] = s.target(series)
	}
	return out, nil
}

func (s *SMACrossover) target(series []domain.Bar) float64 {
	if len(series) < s.LongWindow+1 {
		return 0
	}
	short := meanClose(series[len(series)-s.ShortWindow:])
	long := meanClose(series[len(series)-s.LongWindow:])
	switch {
	case short > long:
		return s.TargetQty
	case short < long:
		return -s.TargetQty
	}
	return 0
}

func meanClose(bars []domain.Bar) float64 {
	var sum float64
	for _, b := range bars {
		sum += b.Close
	}
	return sum / float64(len(bars))
}
