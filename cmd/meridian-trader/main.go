package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"meridian/internal/config"
	"meridian/internal/domain"
	"meridian/internal/engine"
	"meridian/internal/util"
)

const usage = `Usage: meridian-trader [command] [flags]

Commands:
  run         Run the trading loop (default)
  portfolio   Print live cash, equity and positions, then exit
  liquidate   Flatten every live position, then exit

Flags:
`

// flags holds the command-line overrides. Only flags that were explicitly
// set are applied on top of the loaded configuration.
type flags struct {
	configPath    string
	mode          string
	strategy      string
	symbols       string
	once          bool
	maxPasses     int
	maxSteps      int
	interval      time.Duration
	dataSource    string
	historicalDir string
	stateDB       string
	eventsDir     string
}

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("meridian-trader", flag.ExitOnError)
	f := registerFlags(fs)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := applyFlags(cfg, fs, f, cmd); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "run":
		err = runTrader(ctx, cfg, logger)
	case "portfolio":
		err = showPortfolio(ctx, cfg, logger)
	case "liquidate":
		err = liquidate(ctx, cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func registerFlags(fs *flag.FlagSet) *flags {
	f := &flags{}
	fs.StringVar(&f.configPath, "config", "", "config file (default $MERIDIAN_CONFIG or config/meridian.yaml)")
	fs.StringVar(&f.mode, "mode", "", "runtime mode: backtest, paper or live")
	fs.StringVar(&f.strategy, "strategy", "", "strategy id")
	fs.StringVar(&f.symbols, "symbols", "", "comma-separated symbols")
	fs.BoolVar(&f.once, "once", false, "run a single live pass and exit")
	fs.IntVar(&f.maxPasses, "max-passes", 0, "run a fixed number of live passes (paper/live only)")
	fs.IntVar(&f.maxSteps, "max-steps", 0, "cap walk-forward steps (backtest only)")
	fs.DurationVar(&f.interval, "interval", 0, "pause between live passes")
	fs.StringVar(&f.dataSource, "data-source", "", "bar source: auto, alpaca, csv or parquet")
	fs.StringVar(&f.historicalDir, "historical-dir", "", "CSV historical data directory")
	fs.StringVar(&f.stateDB, "state-db", "", "SQLite state database path")
	fs.StringVar(&f.eventsDir, "events-dir", "", "directory for <run_id>.jsonl event logs")
	return f
}

// loadConfig resolves the config path from the flag, then MERIDIAN_CONFIG,
// then config/meridian.yaml. The default path is optional; an explicit one
// must exist.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("MERIDIAN_CONFIG")
	}
	if path == "" {
		path = "config/meridian.yaml"
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

// applyFlags overlays explicitly set flags on cfg and checks that each flag
// fits the resulting mode and command.
func applyFlags(cfg *config.Config, fs *flag.FlagSet, f *flags, cmd string) error {
	set := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	if set["mode"] {
		cfg.Trading.Mode = domain.Mode(strings.ToLower(strings.TrimSpace(f.mode)))
	}
	mode := cfg.Trading.Mode

	if set["max-passes"] && !mode.IsLive() {
		return errors.New("-max-passes requires -mode paper or live")
	}
	if set["max-steps"] && mode != domain.ModeBacktest {
		return errors.New("-max-steps requires -mode backtest")
	}
	if (cmd == "portfolio" || cmd == "liquidate") && !mode.IsLive() {
		return fmt.Errorf("%s requires -mode paper or live", cmd)
	}

	if set["strategy"] {
		cfg.Trading.Strategy = strings.TrimSpace(f.strategy)
	}
	if set["symbols"] {
		if syms := domain.NormalizeSymbols(strings.Split(f.symbols, ",")); len(syms) > 0 {
			cfg.Trading.Symbols = syms
		}
	}
	if set["once"] {
		cfg.Trading.Once = f.once
	}
	if set["max-passes"] {
		cfg.Trading.MaxPasses = f.maxPasses
		cfg.Trading.Continuous = true
	}
	if set["max-steps"] {
		cfg.Backtest.MaxSteps = f.maxSteps
	}
	if set["interval"] {
		cfg.Trading.Interval = f.interval
	}
	if set["data-source"] {
		cfg.Backtest.DataSource = strings.ToLower(strings.TrimSpace(f.dataSource))
	}
	if set["historical-dir"] {
		cfg.Backtest.DataDir = f.historicalDir
	}
	if set["state-db"] {
		cfg.Storage.SQLitePath = f.stateDB
	}
	if set["events-dir"] {
		cfg.Storage.EventsDir = f.eventsDir
	}
	return nil
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func runTrader(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rt, err := build(cfg, logger)
	if err != nil {
		return err
	}

	// Operator surfaces live for as long as the run does.
	apiDone := make(chan error, 1)
	apiCtx, stopAPI := context.WithCancel(ctx)
	if rt.server != nil && rt.server.Enabled() {
		go func() { apiDone <- rt.server.ListenAndServe(apiCtx) }()
	} else {
		apiDone <- nil
	}

	runErr := rt.engine.Run(ctx)
	stopAPI()
	if err := <-apiDone; err != nil {
		logger.Error("api server", "error", err)
	}
	if runErr != nil {
		return runErr
	}

	if cfg.Trading.Mode == domain.ModeBacktest {
		printBacktest(rt, cfg)
	}
	return nil
}

func printBacktest(rt *app, cfg *config.Config) {
	res := rt.engine.BacktestResult()
	fmt.Printf("Backtest %s\n", rt.engine.RunID())
	fmt.Printf("  strategy:      %s\n", cfg.Trading.Strategy)
	fmt.Printf("  symbols:       %s\n", strings.Join(rt.engine.Symbols(), ","))
	fmt.Printf("  steps:         %d\n", res.Steps)
	fmt.Printf("  start equity:  %.2f\n", res.StartEquity)
	fmt.Printf("  final equity:  %.2f\n", res.FinalEquity)
	fmt.Printf("  total return:  %.2f%%\n", res.TotalReturn*100)
	fmt.Printf("  max drawdown:  %.2f%%\n", res.MaxDrawdown*100)
	fmt.Printf("  sharpe (step): %.3f\n", res.SharpeRatio)
	fmt.Printf("  trades:        %d\n", res.TotalTrades)
	if rt.eventsPath != "" {
		fmt.Printf("  events:        %s\n", rt.eventsPath)
	}
}

func showPortfolio(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	b, _ := newBroker(cfg)
	log := logger.With("component", "portfolio", "broker", b.Name())

	positions, err := b.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("getting positions: %w", err)
	}
	snap, err := b.GetPortfolio(ctx)
	if err != nil {
		return fmt.Errorf("getting portfolio: %w", err)
	}
	log.Info("portfolio", "cash", snap.Cash, "equity", snap.Equity, "buying_power", snap.BuyingPower)

	fmt.Printf("cash:         %.2f\n", snap.Cash)
	fmt.Printf("equity:       %.2f\n", snap.Equity)
	fmt.Printf("buying power: %.2f\n", snap.BuyingPower)
	if len(positions) == 0 {
		fmt.Println("no positions")
		return nil
	}
	syms := make([]string, 0, len(positions))
	for s := range positions {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	fmt.Printf("\n%-12s %14s\n", "SYMBOL", "QTY")
	for _, s := range syms {
		fmt.Printf("%-12s %14g\n", s, positions[s].Qty)
	}
	return nil
}

func liquidate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	b, _ := newBroker(cfg)
	res, err := engine.Liquidate(ctx, b, cfg.OrderDefaults(), logger)
	if res != nil {
		fmt.Printf("positions closed: %d, orders: %d\n", len(res.Positions), len(res.Receipts))
		fmt.Printf("cash: %.2f equity: %.2f\n", res.Portfolio.Cash, res.Portfolio.Equity)
	}
	return err
}
