// Package engine turns strategy targets into broker orders. Each cycle sizes
// targets, applies the risk gate, persists an intent for every order before
// it is submitted and records the broker's answer, so a restart never
// submits the same order twice.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"meridian/internal/broker"
	"meridian/internal/domain"
	"meridian/internal/events"
	"meridian/internal/marketdata"
	"meridian/internal/store"
	"meridian/internal/strategy"
)

// Config holds the per-run settings of an Engine.
type Config struct {
	Mode    domain.Mode
	RunID   string // generated when empty
	Symbols []string

	Sizing Sizing
	Orders OrderDefaults

	ReconcileEpsilon   float64
	ReconcileEachCycle bool

	// Interval is the pause between live cycles.
	Interval time.Duration
	// MaxPasses bounds the number of live cycles; 0 runs until cancelled.
	MaxPasses int
	// MaxSteps caps the number of backtest steps; 0 means no cap.
	MaxSteps int
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Strategy strategy.Strategy
	Data     marketdata.Provider
	Broker   broker.Broker
	Store    store.IntentStore
	Risk     *RiskManager
	Sink     events.Sink
	Logger   *slog.Logger
}

// Engine runs the decision → risk → persist → submit cycle.
type Engine struct {
	cfg        Config
	strategy   strategy.Strategy
	data       marketdata.Provider
	broker     broker.Broker
	store      store.IntentStore
	risk       *RiskManager
	sink       events.Sink
	log        *slog.Logger
	reconciler *Reconciler

	bounds    TradeBounds
	lookback  int
	symbolKey func(string) string

	cycles      int
	reconciled  bool
	startEquity *float64
	prevEquity  *float64
	curve       strategy.EquityCurve

	newID func() string
	now   func() time.Time
}

// NewEngine validates cfg and wires the collaborators. Store, Sink and
// Logger may be nil.
func NewEngine(cfg Config, d Deps) (*Engine, error) {
	if d.Strategy == nil || d.Data == nil || d.Broker == nil || d.Risk == nil {
		return nil, errors.New("engine: strategy, data, broker and risk are required")
	}
	switch cfg.Mode {
	case domain.ModeBacktest, domain.ModePaper, domain.ModeLive:
	default:
		return nil, fmt.Errorf("engine: unknown mode %q", cfg.Mode)
	}
	if err := cfg.Sizing.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	cfg.Symbols = domain.NormalizeSymbols(cfg.Symbols)
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("engine: at least one symbol is required")
	}
	if cfg.RunID == "" {
		cfg.RunID = NewRunID()
	}
	if d.Store == nil {
		d.Store = store.NoopStore{}
	}
	if d.Sink == nil {
		d.Sink = events.NopSink{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	log := d.Logger.With("component", "engine", "run_id", cfg.RunID)

	return &Engine{
		cfg:        cfg,
		strategy:   d.Strategy,
		data:       d.Data,
		broker:     d.Broker,
		store:      d.Store,
		risk:       d.Risk,
		sink:       d.Sink,
		log:        log,
		reconciler: NewReconciler(d.Broker, d.Store, cfg.ReconcileEpsilon, d.Logger),
		bounds:     BoundsFor(d.Strategy),
		symbolKey:  symbolKeyFor(d.Broker),
		lookback:   strategy.LookbackBars(d.Strategy),
		newID:      func() string { return uuid.NewString() },
		now:        time.Now,
	}, nil
}

// NewRunID returns a random 32-character hex run identifier.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RunID returns the identifier of this run.
func (e *Engine) RunID() string { return e.cfg.RunID }

// Symbols returns the normalized symbols traded by this run.
func (e *Engine) Symbols() []string { return append([]string(nil), e.cfg.Symbols...) }

// BacktestResult summarizes the equity observed after every cycle.
func (e *Engine) BacktestResult() strategy.BacktestResult { return e.curve.Result() }

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

// Run records the run, executes cycles until the backtest is exhausted, the
// live pass limit is reached or ctx is cancelled, and always finishes by
// logging PnL, emitting run_finished and closing the sink and store.
//
// Live cycle errors are logged and the loop continues. In backtest mode the
// first cycle error aborts the run.
func (e *Engine) Run(ctx context.Context) (err error) {
	if err := e.store.RecordRun(ctx, store.Run{
		RunID:      e.cfg.RunID,
		Mode:       e.cfg.Mode,
		StrategyID: e.strategy.Name(),
		Symbols:    e.cfg.Symbols,
	}); err != nil {
		e.closeAll()
		return fmt.Errorf("recording run: %w", err)
	}
	e.log.Info("run started",
		"mode", e.cfg.Mode,
		"strategy", e.strategy.Name(),
		"broker", e.broker.Name(),
		"symbols", strings.Join(e.cfg.Symbols, ","),
	)
	e.emit(events.RunStarted, map[string]any{
		"symbols": e.cfg.Symbols,
		"broker":  e.broker.Name(),
	})

	defer func() { e.finish(ctx, err) }()

	if e.cfg.Mode == domain.ModeBacktest {
		return e.runBacktest(ctx)
	}
	return e.runLive(ctx)
}

func (e *Engine) runBacktest(ctx context.Context) error {
	total, err := e.totalSteps(ctx)
	if err != nil {
		e.emitError(err)
		return err
	}
	interval := progressInterval(total)
	started := e.now()
	e.log.Info("backtest started", "steps", total)

	for step := 1; step <= total; step++ {
		if ctx.Err() != nil {
			e.log.Warn("backtest interrupted", "step", step-1, "steps", total)
			return nil
		}
		if _, err := e.RunCycle(ctx); err != nil {
			e.emitError(err)
			return fmt.Errorf("backtest step %d/%d: %w", step, total, err)
		}
		if step == 1 || step == total || step%interval == 0 {
			e.logProgress(step, total, e.now().Sub(started))
		}
	}
	return nil
}

func (e *Engine) runLive(ctx context.Context) error {
	for pass := 1; ; pass++ {
		if _, err := e.RunCycle(ctx); err != nil {
			e.log.Error("cycle failed", "cycle", e.cycles, "error", err)
			e.emitError(err)
		}
		if e.cfg.MaxPasses > 0 && pass >= e.cfg.MaxPasses {
			return nil
		}
		select {
		case <-ctx.Done():
			e.log.Info("stopping", "cycles", e.cycles)
			return nil
		case <-time.After(e.cfg.Interval):
		}
	}
}

// totalSteps asks a replaying provider how long the backtest is.
func (e *Engine) totalSteps(ctx context.Context) (int, error) {
	total := 1
	if sc, ok := e.data.(marketdata.StepCounter); ok {
		n, err := sc.TotalSteps(ctx, e.cfg.Symbols)
		if err != nil {
			return 0, fmt.Errorf("counting backtest steps: %w", err)
		}
		total = n
	} else if e.cfg.MaxSteps > 0 {
		total = e.cfg.MaxSteps
	}
	if e.cfg.MaxSteps > 0 && total > e.cfg.MaxSteps {
		total = e.cfg.MaxSteps
	}
	return max(total, 1), nil
}

// progressInterval logs roughly every 5% of a long backtest.
func progressInterval(total int) int {
	if total <= 20 {
		return 1
	}
	return max(1, total/20)
}

func (e *Engine) logProgress(done, total int, elapsed time.Duration) {
	rate := 0.0
	if elapsed > 0 {
		rate = float64(done) / elapsed.Seconds()
	}
	args := []any{
		"step", fmt.Sprintf("%d/%d", done, total),
		"pct", round(100*float64(done)/float64(total), 1),
		"elapsed", elapsed.Round(time.Millisecond),
		"steps_per_sec", round(rate, 2),
	}
	if rate > 0 && done < total {
		eta := time.Duration(float64(total-done) / rate * float64(time.Second))
		args = append(args, "eta", eta.Round(time.Second))
	}
	e.log.Info("backtest progress", args...)
}

// finish runs on every exit path of Run.
func (e *Engine) finish(ctx context.Context, runErr error) {
	ctx = context.WithoutCancel(ctx)
	payload := map[string]any{"cycles": e.cycles}

	if snap, err := e.broker.GetPortfolio(ctx); err != nil {
		e.log.Warn("final portfolio unavailable", "error", err)
	} else {
		start := snap.Equity
		if e.startEquity != nil {
			start = *e.startEquity
		}
		pnl := snap.Equity - start
		pct := 0.0
		if start != 0 {
			pct = pnl / start
		}
		e.log.Info("run pnl",
			"equity", round(snap.Equity, 4),
			"start_equity", round(start, 4),
			"pnl", round(pnl, 4),
			"pnl_pct", round(pct, 6),
		)
		payload["equity"] = round(snap.Equity, 4)
		payload["start_equity"] = round(start, 4)
		payload["pnl"] = round(pnl, 4)
		payload["pnl_pct"] = round(pct, 6)
	}

	if e.cfg.Mode == domain.ModeBacktest && e.curve.Len() > 0 {
		res := e.curve.Result()
		e.log.Info("backtest summary",
			"steps", res.Steps,
			"total_return", round(res.TotalReturn, 6),
			"max_drawdown", round(res.MaxDrawdown, 6),
			"sharpe", round(res.SharpeRatio, 4),
			"trades", res.TotalTrades,
		)
		payload["backtest"] = map[string]any{
			"steps":         res.Steps,
			"start_equity":  round(res.StartEquity, 4),
			"final_equity":  round(res.FinalEquity, 4),
			"total_return":  round(res.TotalReturn, 6),
			"max_drawdown":  round(res.MaxDrawdown, 6),
			"sharpe":        round(res.SharpeRatio, 4),
			"total_trades":  res.TotalTrades,
			"winning_steps": res.WinningSteps,
		}
	}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	e.emit(events.RunFinished, payload)
	e.log.Info("run finished", "cycles", e.cycles)
	e.closeAll()
}

func (e *Engine) closeAll() {
	if err := e.sink.Close(); err != nil {
		e.log.Error("closing event sink", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.log.Error("closing store", "error", err)
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (e *Engine) emit(t events.Type, payload map[string]any) {
	ev := events.Event{
		Time:       e.now().UTC(),
		RunID:      e.cfg.RunID,
		Mode:       e.cfg.Mode,
		StrategyID: e.strategy.Name(),
		Type:       t,
		Payload:    payload,
	}
	if err := e.sink.Emit(ev); err != nil {
		e.log.Error("emitting event", "type", t, "error", err)
	}
}

func (e *Engine) emitError(err error) {
	e.emit(events.Error, map[string]any{"message": err.Error(), "cycle": e.cycles})
}
