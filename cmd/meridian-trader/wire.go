package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"meridian/internal/api"
	"meridian/internal/broker"
	"meridian/internal/config"
	"meridian/internal/domain"
	"meridian/internal/engine"
	"meridian/internal/events"
	"meridian/internal/marketdata"
	"meridian/internal/store"
	"meridian/internal/strategy"
	"meridian/internal/strategy/builtins"
)

// app is a fully wired trading run.
type app struct {
	engine     *engine.Engine
	server     *api.Server
	eventsPath string
}

// build wires every collaborator of a run from cfg:
//  1. strategy from the registry, symbols resolved against it
//  2. broker (simulated or Alpaca) and the risk gate
//  3. bar source, wrapped walk-forward for backtests
//  4. intent store, event sinks and the operator API
func build(cfg *config.Config, logger *slog.Logger) (*app, error) {
	mode := cfg.Trading.Mode

	// 1. Strategy.
	strat, err := builtins.NewRegistry().New(cfg.Trading.Strategy, cfg.StrategyParams())
	if err != nil {
		return nil, err
	}
	symbols := strategy.ResolveSymbols(cfg.Trading.Symbols, strat)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols configured for strategy %s", strat.Name())
	}

	// 2. Broker and risk.
	b, fractionalShorts := newBroker(cfg)
	if cfg.Trading.FractionalShorts != nil {
		fractionalShorts = *cfg.Trading.FractionalShorts
	}
	risk, err := engine.NewRiskManager(cfg.RiskLimits(), fractionalShorts)
	if err != nil {
		return nil, err
	}

	// 3. Market data.
	data, err := newDataProvider(cfg, strat)
	if err != nil {
		return nil, err
	}

	// 4. State and events.
	runID := engine.NewRunID()
	var st store.IntentStore = store.NoopStore{}
	var state api.StateReader
	if mode.IsLive() {
		sq, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		st, state = sq, sq
	}

	hub := api.NewHub(0, logger)
	sinks := events.MultiSink{hub}
	var eventsPath string
	if cfg.Storage.EventsDir != "" {
		eventsPath = filepath.Join(cfg.Storage.EventsDir, runID+".jsonl")
		jsonl, err := events.NewJSONLSink(eventsPath)
		if err != nil {
			st.Close()
			return nil, err
		}
		sinks = append(events.MultiSink{jsonl}, sinks...)
	}

	eng, err := engine.NewEngine(engine.Config{
		Mode:               mode,
		RunID:              runID,
		Symbols:            symbols,
		Sizing:             cfg.Sizing(),
		Orders:             cfg.OrderDefaults(),
		ReconcileEpsilon:   cfg.Trading.ReconcileEpsilon,
		ReconcileEachCycle: cfg.Trading.ReconcileEachCycle,
		Interval:           cfg.Trading.Interval,
		MaxPasses:          cfg.MaxPasses(),
		MaxSteps:           cfg.Backtest.MaxSteps,
	}, engine.Deps{
		Strategy: strat,
		Data:     data,
		Broker:   b,
		Store:    st,
		Risk:     risk,
		Sink:     sinks,
		Logger:   logger,
	})
	if err != nil {
		sinks.Close()
		st.Close()
		return nil, err
	}

	logger.Info("run wired",
		"run_id", runID,
		"mode", mode,
		"strategy", strat.Name(),
		"broker", b.Name(),
		"data_source", cfg.EffectiveDataSource(),
		"symbols", symbols,
		"fractional_shorts", fractionalShorts,
	)
	return &app{
		engine:     eng,
		server:     api.NewServer(cfg.Server, hub, state, logger),
		eventsPath: eventsPath,
	}, nil
}

// newBroker returns the broker for cfg's mode and whether it accepts
// fractional short positions.
func newBroker(cfg *config.Config) (broker.Broker, bool) {
	if cfg.Trading.Mode == domain.ModeBacktest {
		return broker.NewBacktestBroker(cfg.Backtest.StartingCash), true
	}
	a := cfg.Alpaca
	return broker.NewAlpacaBroker(a.APIKey, a.APISecret, a.BaseURL, a.RateLimitPerMin), false
}

// newDataProvider resolves the configured bar source. CSV directories fall
// back to Alpaca, persisting what they download, when credentials are
// present. Backtests replay the source one bar at a time.
func newDataProvider(cfg *config.Config, strat strategy.Strategy) (marketdata.Provider, error) {
	var src marketdata.Provider

	switch cfg.EffectiveDataSource() {
	case config.DataSourceCSV:
		csv := marketdata.NewCSVProvider(cfg.Backtest.DataDir)
		if hasAlpacaCredentials(cfg) {
			fallback, err := newAlpacaProvider(cfg)
			if err != nil {
				return nil, err
			}
			csv.Fallback = fallback
			csv.Persist = true
		}
		src = csv

	case config.DataSourceParquet:
		start, end, err := cfg.Backtest.Window()
		if err != nil {
			return nil, err
		}
		src = marketdata.NewParquetProvider(cfg.Storage.DataDir, start, end)

	case config.DataSourceAlpaca:
		p, err := newAlpacaProvider(cfg)
		if err != nil {
			return nil, err
		}
		src = p

	default:
		return nil, fmt.Errorf("unknown data source %q", cfg.Backtest.DataSource)
	}

	if cfg.Trading.Mode == domain.ModeBacktest {
		return marketdata.NewWalkForward(src, strategy.WarmupBars(strat), cfg.Backtest.MaxSteps), nil
	}
	return src, nil
}

func newAlpacaProvider(cfg *config.Config) (*marketdata.AlpacaProvider, error) {
	a := cfg.Alpaca
	return marketdata.NewAlpacaProvider(marketdata.AlpacaOptions{
		APIKey:       a.APIKey,
		APISecret:    a.APISecret,
		DataURL:      a.DataURL,
		TimeFrame:    a.TimeFrame,
		LookbackDays: a.LookbackDays,
		Feed:         a.Feed,
		RateLimit:    a.RateLimitPerMin,
	})
}

func hasAlpacaCredentials(cfg *config.Config) bool {
	return cfg.Alpaca.APIKey != "" && cfg.Alpaca.APISecret != ""
}
