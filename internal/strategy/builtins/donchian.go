package builtins

import (
	"errors"

	"meridian/internal/strategy"
	"meridian/internal/strategy/algo"
)

// DonchianID is the registry ID of the Donchian channel breakout.
const DonchianID = "donchian_breakout"

// donchianBreakout goes long when the close breaks above the previous
// upper channel and exits (or goes short when allowed) when it breaks
// below the previous lower channel. Between breakouts the position is held.
type donchianBreakout struct {
	period     int
	allowShort bool
	symbols    []string
}

func newDonchianAlgorithm(p strategy.Params) (algo.Algorithm, error) {
	period, err := p.Int("period", 20)
	if err != nil {
		return nil, err
	}
	if period <= 0 {
		return nil, errors.New("period must be positive")
	}
	allowShort, err := p.Bool("allow_short", false)
	if err != nil {
		return nil, err
	}
	return &donchianBreakout{period: period, allowShort: allowShort, symbols: p.Strings("symbols")}, nil
}

func (d *donchianBreakout) Initialize(c *algo.Context) error {
	for _, s := range d.symbols {
		c.AddEquity(s)
	}
	return nil
}

func (d *donchianBreakout) OnData(c *algo.Context, data algo.Slice) error {
	for _, sym := range c.Symbols() {
		bar, ok := data.Get(sym)
		if !ok {
			continue
		}
		if len(c.History(sym, d.period+2)) < d.period+2 {
			continue
		}
		upper, lower := c.Donchian(sym, d.period, d.period)
		switch {
		case bar.Close > upper.Previous:
			c.SetHoldings(sym, 1)
		case bar.Close < lower.Previous:
			if d.allowShort {
				c.SetHoldings(sym, -1)
			} else {
				c.Liquidate(sym)
			}
		}
	}
	return nil
}
