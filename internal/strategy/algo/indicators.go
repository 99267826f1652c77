package algo

import (
	"math"

	"meridian/internal/domain"
)

type indicatorKind int

const (
	kindSMA indicatorKind = iota
	kindEMA
	kindRSI
	kindDonchianUpper
	kindDonchianLower
)

type indicatorKey struct {
	kind   indicatorKind
	symbol string
	period int
}

// Indicator holds the last two values of a rolling series. Values stay 0
// until the window is full.
type Indicator struct {
	symbol   string
	period   int
	compute  func(bars []domain.Bar, period int) []float64
	Previous float64
	Current  float64
	Ready    bool
}

func (ind *Indicator) update(bars []domain.Bar) {
	values := ind.compute(bars, ind.period)
	var valid []float64
	for _, v := range values {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	switch len(valid) {
	case 0:
		ind.Previous, ind.Current, ind.Ready = 0, 0, false
	case 1:
		ind.Previous, ind.Current, ind.Ready = valid[0], valid[0], true
	default:
		ind.Previous, ind.Current, ind.Ready = valid[len(valid)-2], valid[len(valid)-1], true
	}
}

func (c *Context) indicator(kind indicatorKind, symbol string, period int, fn func([]domain.Bar, int) []float64) *Indicator {
	if period <= 0 {
		period = 1
	}
	key := indicatorKey{kind: kind, symbol: domain.NormalizeSymbol(symbol), period: period}
	if ind, ok := c.indicators[key]; ok {
		return ind
	}
	ind := &Indicator{symbol: key.symbol, period: period, compute: fn}
	ind.update(c.bars[key.symbol])
	c.indicators[key] = ind
	return ind
}

// SMA returns the simple moving average of closes over period bars. The
// same indicator is returned for repeated calls and refreshed every cycle.
func (c *Context) SMA(symbol string, period int) *Indicator {
	return c.indicator(kindSMA, symbol, period, smaSeries)
}

// EMA returns the exponential moving average of closes with span period.
func (c *Context) EMA(symbol string, period int) *Indicator {
	return c.indicator(kindEMA, symbol, period, emaSeries)
}

// RSI returns the relative strength index of closes over period bars,
// using simple averages of gains and losses.
func (c *Context) RSI(symbol string, period int) *Indicator {
	return c.indicator(kindRSI, symbol, period, rsiSeries)
}

// Donchian returns the upper (highest high) and lower (lowest low) channel
// bands.
func (c *Context) Donchian(symbol string, upperPeriod, lowerPeriod int) (upper, lower *Indicator) {
	upper = c.indicator(kindDonchianUpper, symbol, upperPeriod, func(b []domain.Bar, p int) []float64 {
		return rollingExtreme(b, p, func(x domain.Bar) float64 { return x.High }, math.Max)
	})
	lower = c.indicator(kindDonchianLower, symbol, lowerPeriod, func(b []domain.Bar, p int) []float64 {
		return rollingExtreme(b, p, func(x domain.Bar) float64 { return x.Low }, math.Min)
	})
	return upper, lower
}

func smaSeries(bars []domain.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	var sum float64
	for i, b := range bars {
		sum += b.Close
		if i >= period {
			sum -= bars[i-period].Close
		}
		if i+1 < period {
			out[i] = math.NaN()
		} else {
			out[i] = sum / float64(period)
		}
	}
	return out
}

func emaSeries(bars []domain.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	alpha := 2 / float64(period+1)
	for i, b := range bars {
		if i == 0 {
			out[i] = b.Close
			continue
		}
		out[i] = alpha*b.Close + (1-alpha)*out[i-1]
	}
	return out
}

func rsiSeries(bars []domain.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	for i := range out {
		out[i] = math.NaN()
	}
	for i := period; i < len(bars); i++ {
		var gain, loss float64
		for j := i - period + 1; j <= i; j++ {
			d := bars[j].Close - bars[j-1].Close
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
		}
		if loss == 0 {
			out[i] = 100
			continue
		}
		rs := gain / loss
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

func rollingExtreme(bars []domain.Bar, period int, field func(domain.Bar) float64, pick func(a, b float64) float64) []float64 {
	out := make([]float64, len(bars))
	for i := range bars {
		if i+1 < period {
			out[i] = math.NaN()
			continue
		}
		v := field(bars[i-period+1])
		for j := i - period + 2; j <= i; j++ {
			v = pick(v, field(bars[j]))
		}
		out[i] = v
	}
	return out
}
