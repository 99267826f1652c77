package main

import (
	"context"
	"flag"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/config"
	"meridian/internal/domain"
	"meridian/internal/events"
	"meridian/internal/marketdata"
	"meridian/internal/strategy/builtins"
	"meridian/internal/util"
)

func parseFlags(t *testing.T, cfg *config.Config, cmd string, args ...string) error {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f := registerFlags(fs)
	require.NoError(t, fs.Parse(args))
	return applyFlags(cfg, fs, f, cmd)
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Default()
	err := parseFlags(t, cfg, "run",
		"-mode", "LIVE",
		"-strategy", "momentum",
		"-symbols", "spy, qqq,SPY",
		"-max-passes", "3",
		"-interval", "2s",
		"-state-db", "/tmp/x.db",
	)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeLive, cfg.Trading.Mode)
	assert.Equal(t, "momentum", cfg.Trading.Strategy)
	assert.Equal(t, []string{"SPY", "QQQ"}, cfg.Trading.Symbols)
	assert.Equal(t, 3, cfg.MaxPasses())
	assert.Equal(t, 2*time.Second, cfg.Trading.Interval)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.SQLitePath)
	// Unset flags leave the configuration alone.
	assert.Equal(t, config.Default().Storage.EventsDir, cfg.Storage.EventsDir)
}

func TestApplyFlagsModeChecks(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		args []string
	}{
		{"max passes in backtest", "run", []string{"-mode", "backtest", "-max-passes", "2"}},
		{"max steps in paper", "run", []string{"-mode", "paper", "-max-steps", "10"}},
		{"portfolio in backtest", "portfolio", []string{"-mode", "backtest"}},
		{"liquidate in backtest", "liquidate", []string{"-mode", "backtest"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, parseFlags(t, config.Default(), tt.cmd, tt.args...))
		})
	}

	cfg := config.Default()
	require.NoError(t, parseFlags(t, cfg, "run", "-mode", "paper", "-once"))
	assert.Equal(t, 1, cfg.MaxPasses())
}

func writeBars(t *testing.T, dir, symbol string, n int) {
	t.Helper()
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, n)
	for i := range bars {
		// Falls, then rises, so the crossover trades at least once.
		px := 100.0 - float64(i)
		if i >= n/2 {
			px = 100.0 - float64(n/2) + 2*float64(i-n/2)
		}
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: start.AddDate(0, 0, i),
			Open:      px, High: px + 1, Low: px - 1, Close: px,
			Volume: 1000,
		}
	}
	require.NoError(t, marketdata.WriteCSVFile(filepath.Join(dir, symbol+".csv"), bars))
}

func backtestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Trading.Mode = domain.ModeBacktest
	cfg.Trading.Strategy = "sma_crossover"
	cfg.Trading.Params = map[string]any{"short_window": 2, "long_window": 5, "target_qty": 3}
	cfg.Trading.Symbols = []string{"SPY"}
	cfg.Backtest.DataDir = filepath.Join(dir, "bars")
	cfg.Backtest.StartingCash = 10000
	cfg.Storage.EventsDir = filepath.Join(dir, "runs")
	cfg.Alpaca.APIKey, cfg.Alpaca.APISecret = "", ""
	writeBars(t, cfg.Backtest.DataDir, "SPY", 30)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildBacktest(t *testing.T) {
	cfg := backtestConfig(t)
	rt, err := build(cfg, util.Discard())
	require.NoError(t, err)
	assert.False(t, rt.server.Enabled())
	assert.Equal(t, []string{"SPY"}, rt.engine.Symbols())

	require.NoError(t, rt.engine.Run(context.Background()))
	res := rt.engine.BacktestResult()
	assert.Greater(t, res.Steps, 0)
	assert.Greater(t, res.TotalTrades, 0)
	assert.InDelta(t, 10000, res.StartEquity, 1000)

	evs, err := events.ReadJSONL(rt.eventsPath)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.RunStarted, evs[0].Type)
	assert.Equal(t, events.RunFinished, evs[len(evs)-1].Type)
	assert.Equal(t, rt.engine.RunID(), evs[0].RunID)
}

func TestBuildRejectsUnknownStrategy(t *testing.T) {
	cfg := backtestConfig(t)
	cfg.Trading.Strategy = "does_not_exist"
	_, err := build(cfg, util.Discard())
	assert.Error(t, err)
}

func TestNewDataProvider(t *testing.T) {
	cfg := backtestConfig(t)
	strat, err := builtins.NewRegistry().New(cfg.Trading.Strategy, cfg.StrategyParams())
	require.NoError(t, err)

	p, err := newDataProvider(cfg, strat)
	require.NoError(t, err)
	wf, ok := p.(*marketdata.WalkForward)
	require.True(t, ok, "backtests replay walk-forward")
	assert.Equal(t, 6, wf.Warmup())

	cfg.Backtest.DataSource = config.DataSourceParquet
	p, err = newDataProvider(cfg, strat)
	require.NoError(t, err)
	_, ok = p.(*marketdata.WalkForward)
	assert.True(t, ok)

	cfg.Backtest.DataSource = "ftp"
	_, err = newDataProvider(cfg, strat)
	assert.Error(t, err)
}

func TestNewBrokerFractionalShorts(t *testing.T) {
	cfg := config.Default()
	cfg.Trading.Mode = domain.ModeBacktest
	b, frac := newBroker(cfg)
	assert.Equal(t, "backtest", b.Name())
	assert.True(t, frac)

	cfg.Trading.Mode = domain.ModePaper
	_, frac = newBroker(cfg)
	assert.False(t, frac)
}
