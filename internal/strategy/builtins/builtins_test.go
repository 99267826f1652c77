package builtins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/domain"
	"meridian/internal/strategy"
)

func series(values ...float64) []domain.Bar {
	start := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Bar, len(values))
	for i, v := range values {
		out[i] = domain.Bar{Symbol: "SPY", Timestamp: start.AddDate(0, 0, i), Open: v, High: v, Low: v, Close: v}
	}
	return out
}

func ramp(n int, from, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}

func decide(t *testing.T, s strategy.Strategy, bars []domain.Bar, held float64) float64 {
	t.Helper()
	snap := domain.PortfolioSnapshot{Positions: map[string]domain.Position{}}
	if held != 0 {
		snap.Positions["SPY"] = domain.Position{Symbol: "SPY", Qty: held}
	}
	targets, err := s.DecideTargets(context.Background(), map[string][]domain.Bar{"SPY": bars}, snap)
	require.NoError(t, err)
	return targets["SPY"]
}

func TestRegister(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{DonchianID, MomentumID, SMACrossoverID}, r.List())
	require.Error(t, Register(r), "registering twice must fail")

	s, err := r.New("", nil)
	require.NoError(t, err)
	assert.Equal(t, SMACrossoverID, s.Name())

	_, err = r.New("SMA-Crossover", strategy.Params{"short_window": 50, "long_window": 20})
	require.Error(t, err)
}

func TestSMACrossover(t *testing.T) {
	s, err := NewSMACrossover(2, 4, 3)
	require.NoError(t, err)

	assert.Equal(t, 0.0, decide(t, s, series(ramp(4, 10, 1)...), 0), "needs long+1 bars")
	assert.Equal(t, 3.0, decide(t, s, series(ramp(5, 10, 1)...), 0))
	assert.Equal(t, -3.0, decide(t, s, series(ramp(5, 10, -1)...), 0))
	assert.Equal(t, 0.0, decide(t, s, series(5, 5, 5, 5, 5), 0))

	assert.Equal(t, 5, s.WarmupBars())
	assert.Equal(t, 3.0, strategy.SignalScale(s))
}

func TestSMACrossoverValidation(t *testing.T) {
	_, err := NewSMACrossover(0, 5, 1)
	assert.Error(t, err)
	_, err = NewSMACrossover(5, 5, 1)
	assert.Error(t, err)
	_, err = NewSMACrossover(2, 5, 0)
	assert.Error(t, err)
}

func TestSMACrossoverParams(t *testing.T) {
	s, err := NewSMACrossoverFromParams(strategy.Params{
		"short_window":       3,
		"long_window":        "8",
		"min_trade_size_pct": 1,
		"max_trade_size_pct": 5,
		"symbols":            []any{"spy", "qqq"},
	})
	require.NoError(t, err)
	sma := s.(*SMACrossover)
	assert.Equal(t, 3, sma.ShortWindow)
	assert.Equal(t, 8, sma.LongWindow)
	assert.Equal(t, 1.0, sma.TargetQty)

	lo, hi, ok := strategy.TradeSizeBounds(s)
	require.True(t, ok)
	assert.InDelta(t, 0.01, lo, 1e-12)
	assert.InDelta(t, 0.05, hi, 1e-12)
	assert.Equal(t, []string{"SPY", "QQQ"}, strategy.ResolveSymbols(nil, s))

	_, err = NewSMACrossoverFromParams(strategy.Params{"min_trade_size_pct": 5, "max_trade_size_pct": 1})
	assert.Error(t, err)
}

func TestMomentum(t *testing.T) {
	m, err := NewMomentum(2, 0.05, 2)
	require.NoError(t, err)

	assert.Equal(t, 0.0, decide(t, m, series(100, 110), 0), "needs more than lookback bars")
	assert.Equal(t, 2.0, decide(t, m, series(100, 101, 105), 0))
	assert.Equal(t, -2.0, decide(t, m, series(100, 99, 95), 0))
	assert.Equal(t, 0.0, decide(t, m, series(100, 99, 102), 0))
	assert.Equal(t, 0.0, decide(t, m, series(0, 1, 2), 0), "zero reference price")

	_, _, bounded := strategy.TradeSizeBounds(m)
	assert.False(t, bounded)
}

func TestMomentumValidation(t *testing.T) {
	_, err := NewMomentum(0, 0.01, 1)
	assert.Error(t, err)
	_, err = NewMomentum(5, -0.01, 1)
	assert.Error(t, err)
	_, err = NewMomentum(5, 0.01, 0)
	assert.Error(t, err)

	s, err := NewMomentumFromParams(nil)
	require.NoError(t, err)
	assert.Equal(t, 10, s.(*Momentum).Lookback)
	assert.Equal(t, 11, strategy.WarmupBars(s))
}

func TestDonchianBreakout(t *testing.T) {
	r := NewRegistry()
	long, err := r.New(DonchianID, strategy.Params{"period": 3, "target_qty_scale": 2})
	require.NoError(t, err)

	assert.Equal(t, 7.0, decide(t, long, series(10, 10, 10, 12), 7), "short history keeps the position")
	assert.Equal(t, 2.0, decide(t, long, series(10, 10, 10, 10, 12), 0))
	assert.Equal(t, 0.0, decide(t, long, series(10, 10, 10, 10, 8), 2))
	assert.Equal(t, 2.0, decide(t, long, series(10, 10, 10, 10, 10), 2), "inside the channel holds")

	short, err := r.New(DonchianID, strategy.Params{"period": 3, "allow_short": true})
	require.NoError(t, err)
	assert.Equal(t, -1.0, decide(t, short, series(10, 10, 10, 10, 8), 0))

	_, err = r.New(DonchianID, strategy.Params{"period": 0})
	assert.Error(t, err)
}
