package strategy

import "math"

// BacktestResult holds the summary metrics of a backtest run.
type BacktestResult struct {
	Steps        int
	StartEquity  float64
	FinalEquity  float64
	TotalReturn  float64 // fraction, 0.05 = +5%
	MaxDrawdown  float64 // fraction of the running peak, positive
	SharpeRatio  float64 // per-step, not annualised
	TotalTrades  int
	WinningSteps int
}

// EquityCurve accumulates per-cycle equity and fill counts during a
// backtest.
type EquityCurve struct {
	equity []float64
	trades int
}

// Add records the equity observed at the end of one cycle and the number of
// orders filled in it.
func (c *EquityCurve) Add(equity float64, fills int) {
	c.equity = append(c.equity, equity)
	c.trades += fills
}

// Len returns the number of recorded cycles.
func (c *EquityCurve) Len() int { return len(c.equity) }

// Result computes the summary metrics. An empty curve yields a zero result.
func (c *EquityCurve) Result() BacktestResult {
	n := len(c.equity)
	if n == 0 {
		return BacktestResult{}
	}
	res := BacktestResult{
		Steps:       n,
		StartEquity: c.equity[0],
		FinalEquity: c.equity[n-1],
		TotalTrades: c.trades,
	}
	if res.StartEquity != 0 {
		res.TotalReturn = res.FinalEquity/res.StartEquity - 1
	}

	peak := c.equity[0]
	var returns []float64
	for i, eq := range c.equity {
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			res.MaxDrawdown = math.Max(res.MaxDrawdown, (peak-eq)/peak)
		}
		if i > 0 && c.equity[i-1] != 0 {
			r := eq/c.equity[i-1] - 1
			returns = append(returns, r)
			if r > 0 {
				res.WinningSteps++
			}
		}
	}
	res.SharpeRatio = sharpe(returns)
	return res
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}
