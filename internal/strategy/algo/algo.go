// Package algo runs algorithms written against a small Lean-style API
// (Initialize / OnData with SetHoldings, Liquidate, History and
// indicators) as ordinary target-position strategies.
//
// The algorithm never sees more than the engine hands the adapter for the
// current cycle, so walk-forward guarantees carry over unchanged.
package algo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"meridian/internal/domain"
	"meridian/internal/strategy"
)

// Algorithm is the subset of the Lean QCAlgorithm lifecycle supported here.
type Algorithm interface {
	// Initialize runs once when the strategy is built. Symbols added with
	// AddEquity or AddCrypto become the strategy's declared symbols.
	Initialize(c *Context) error

	// OnData runs once per cycle with the latest bar of every symbol.
	OnData(c *Context, data Slice) error
}

// TradeBar is the latest bar of one symbol.
type TradeBar struct {
	Open, High, Low, Close float64
	Volume                 int64
}

// Slice holds the latest bar per symbol for one cycle.
type Slice struct {
	Bars map[string]TradeBar
}

// Contains reports whether the slice carries a bar for symbol.
func (s Slice) Contains(symbol string) bool {
	_, ok := s.Bars[domain.NormalizeSymbol(symbol)]
	return ok
}

// Get returns the bar for symbol.
func (s Slice) Get(symbol string) (TradeBar, bool) {
	b, ok := s.Bars[domain.NormalizeSymbol(symbol)]
	return b, ok
}

func newSlice(bars map[string][]domain.Bar) Slice {
	out := make(map[string]TradeBar, len(bars))
	for sym, series := range bars {
		if len(series) == 0 {
			continue
		}
		last := series[len(series)-1]
		out[domain.NormalizeSymbol(sym)] = TradeBar{
			Open: last.Open, High: last.High, Low: last.Low, Close: last.Close, Volume: last.Volume,
		}
	}
	return Slice{Bars: out}
}

// ---------------------------------------------------------------------------
// Adapter
// ---------------------------------------------------------------------------

// Compile-time interface checks.
var (
	_ strategy.Strategy       = (*Adapter)(nil)
	_ strategy.SymbolDeclarer = (*Adapter)(nil)
	_ strategy.SignalScaler   = (*Adapter)(nil)
)

// Adapter exposes an Algorithm as a strategy.Strategy.
type Adapter struct {
	id    string
	algo  Algorithm
	scale float64
	ctx   *Context
}

// NewAdapter initialises algo and wraps it. scale multiplies SetHoldings
// weights into target signals and must be positive.
func NewAdapter(id string, algo Algorithm, scale float64) (*Adapter, error) {
	if scale <= 0 {
		return nil, errors.New("target_qty_scale must be positive")
	}
	c := newContext(scale)
	if err := algo.Initialize(c); err != nil {
		return nil, fmt.Errorf("initializing %s: %w", id, err)
	}
	return &Adapter{id: id, algo: algo, scale: scale, ctx: c}, nil
}

// Factory returns a strategy.Factory that builds a fresh algorithm per call.
// The optional "target_qty_scale" param sets the weight scale (default 1).
func Factory(id string, newAlgo func(strategy.Params) (Algorithm, error)) strategy.Factory {
	return func(p strategy.Params) (strategy.Strategy, error) {
		scale, err := p.Float("target_qty_scale", 1)
		if err != nil {
			return nil, err
		}
		a, err := newAlgo(p)
		if err != nil {
			return nil, err
		}
		return NewAdapter(id, a, scale)
	}
}

// Name returns the registry ID.
func (a *Adapter) Name() string { return a.id }

// DeclaredSymbols returns the securities added during Initialize.
func (a *Adapter) DeclaredSymbols() []string { return a.ctx.Securities() }

// SignalScale maps a full SetHoldings weight to full trade size.
func (a *Adapter) SignalScale() float64 { return a.scale }

// DecideTargets runs one OnData pass. Every symbol with bars or a position
// gets a target; symbols the algorithm did not touch keep their current
// quantity.
func (a *Adapter) DecideTargets(_ context.Context, bars map[string][]domain.Bar, snap domain.PortfolioSnapshot) (map[string]float64, error) {
	a.ctx.prepare(bars, snap)
	if err := a.algo.OnData(a.ctx, newSlice(bars)); err != nil {
		return nil, fmt.Errorf("%s OnData: %w", a.id, err)
	}

	symbols := make(map[string]struct{}, len(bars)+len(snap.Positions))
	for sym := range bars {
		symbols[domain.NormalizeSymbol(sym)] = struct{}{}
	}
	for sym := range snap.Positions {
		symbols[domain.NormalizeSymbol(sym)] = struct{}{}
	}
	for sym := range a.ctx.targets {
		symbols[sym] = struct{}{}
	}

	out := make(map[string]float64, len(symbols))
	for sym := range symbols {
		if t, ok := a.ctx.targets[sym]; ok {
			out[sym] = t
		} else {
			out[sym] = a.ctx.positions[sym]
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Context
// ---------------------------------------------------------------------------

// Context is the algorithm's view of the current cycle.
type Context struct {
	scale      float64
	securities []string
	indicators map[indicatorKey]*Indicator

	bars      map[string][]domain.Bar
	positions map[string]float64
	prices    map[string]float64
	targets   map[string]float64
	cash      float64
	equity    float64
}

func newContext(scale float64) *Context {
	return &Context{
		scale:      scale,
		indicators: make(map[indicatorKey]*Indicator),
		bars:       make(map[string][]domain.Bar),
		positions:  make(map[string]float64),
		prices:     make(map[string]float64),
		targets:    make(map[string]float64),
	}
}

func (c *Context) prepare(bars map[string][]domain.Bar, snap domain.PortfolioSnapshot) {
	c.bars = make(map[string][]domain.Bar, len(bars))
	c.prices = make(map[string]float64, len(bars))
	for sym, series := range bars {
		key := domain.NormalizeSymbol(sym)
		c.bars[key] = series
		if len(series) > 0 {
			c.prices[key] = series[len(series)-1].Close
		}
	}
	c.positions = make(map[string]float64, len(snap.Positions))
	for sym, p := range snap.Positions {
		c.positions[domain.NormalizeSymbol(sym)] = p.Qty
	}
	c.cash, c.equity = snap.Cash, snap.Equity
	c.targets = make(map[string]float64)

	for _, ind := range c.indicators {
		ind.update(c.bars[ind.symbol])
	}
}

// AddEquity registers a stock symbol and returns its normalized form.
func (c *Context) AddEquity(ticker string) string { return c.addSecurity(ticker) }

// AddCrypto registers a crypto pair and returns its normalized form.
func (c *Context) AddCrypto(ticker string) string { return c.addSecurity(ticker) }

func (c *Context) addSecurity(ticker string) string {
	sym := domain.NormalizeSymbol(ticker)
	if sym == "" {
		return ""
	}
	for _, s := range c.securities {
		if s == sym {
			return sym
		}
	}
	c.securities = append(c.securities, sym)
	return sym
}

// Securities returns the added symbols in insertion order.
func (c *Context) Securities() []string {
	return append([]string(nil), c.securities...)
}

// SetHoldings sets the target for symbol to weight times the adapter scale.
func (c *Context) SetHoldings(symbol string, weight float64) {
	c.targets[domain.NormalizeSymbol(symbol)] = weight * c.scale
}

// Liquidate targets zero for the given symbols, or for every symbol with
// bars when none are given.
func (c *Context) Liquidate(symbols ...string) {
	if len(symbols) == 0 {
		for sym := range c.bars {
			c.targets[sym] = 0
		}
		return
	}
	for _, s := range symbols {
		c.targets[domain.NormalizeSymbol(s)] = 0
	}
}

// History returns up to the last n visible bars of symbol.
func (c *Context) History(symbol string, n int) []domain.Bar {
	series := c.bars[domain.NormalizeSymbol(symbol)]
	if n <= 0 || len(series) == 0 {
		return nil
	}
	if n > len(series) {
		n = len(series)
	}
	return append([]domain.Bar(nil), series[len(series)-n:]...)
}

// Price returns the latest close of symbol, or 0.
func (c *Context) Price(symbol string) float64 {
	return c.prices[domain.NormalizeSymbol(symbol)]
}

// Holdings returns the current signed quantity held in symbol.
func (c *Context) Holdings(symbol string) float64 {
	return c.positions[domain.NormalizeSymbol(symbol)]
}

// Cash returns the portfolio cash at the start of the cycle.
func (c *Context) Cash() float64 { return c.cash }

// Equity returns the portfolio equity at the start of the cycle.
func (c *Context) Equity() float64 { return c.equity }

// Symbols returns the symbols with bars this cycle, sorted.
func (c *Context) Symbols() []string {
	out := make([]string, 0, len(c.bars))
	for sym := range c.bars {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
