package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"meridian/internal/config"
	"meridian/internal/events"
	"meridian/internal/marketdata"
	"meridian/internal/store"
	"meridian/pkg/meridian"
)

const version = "0.1.0"

const usage = `Usage: meridian-cli <command> [options]

Commands:
  version       Print the CLI version
  intents       List order intents (active by default, -all for recent)
  intent        Show one intent: meridian-cli intent [options] <client_order_id>
  runs          List recent runs
  events        Print a run's event log, or follow a live trader with -addr
  import-bars   Convert CSV bar files into the parquet archive
  fetch-bars    Download recent Alpaca bars into the parquet archive
  symbols       List symbols in the parquet archive

Intent, run and event commands read the trader's SQLite file (-db) or ask a
running trader over gRPC (-addr host:port).
`

var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Args[1], os.Args[2:], os.Stdout)
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	case err != nil:
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "version":
		fmt.Fprintf(out, "meridian-cli %s\n", version)
		return nil
	case "intents":
		return cmdIntents(ctx, args, out)
	case "intent":
		return cmdIntent(ctx, args, out)
	case "runs":
		return cmdRuns(ctx, args, out)
	case "events":
		return cmdEvents(ctx, args, out)
	case "import-bars":
		return cmdImportBars(ctx, args, out)
	case "fetch-bars":
		return cmdFetchBars(ctx, args, out)
	case "symbols":
		return cmdSymbols(ctx, args, out)
	case "help", "-h", "-help", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		return errUsage
	}
}

// ---------------------------------------------------------------------------
// Configuration and sources
// ---------------------------------------------------------------------------

// loadConfig reads $MERIDIAN_CONFIG, falling back to config/meridian.yaml
// when it exists and to built-in defaults otherwise.
func loadConfig() (*config.Config, error) {
	path := os.Getenv("MERIDIAN_CONFIG")
	if path == "" {
		path = "config/meridian.yaml"
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

// sourceFlags are shared by the inspection commands.
type sourceFlags struct {
	db   string
	addr string
}

func (s *sourceFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.db, "db", "", "SQLite state database (default storage.sqlite_path)")
	fs.StringVar(&s.addr, "addr", "", "query a running trader at host:port instead of the database")
}

func (s *sourceFlags) open() (source, error) {
	if s.addr != "" {
		return meridian.NewClient(s.addr)
	}
	path := s.db
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		path = cfg.Storage.SQLitePath
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("state database: %w", err)
	}
	return openLocal(path)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("meridian-cli "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// ---------------------------------------------------------------------------
// Inspection commands
// ---------------------------------------------------------------------------

func cmdIntents(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("intents")
	var src sourceFlags
	src.register(fs)
	all := fs.Bool("all", false, "list recent intents in every status")
	limit := fs.Int("limit", 50, "maximum intents with -all")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	s, err := src.open()
	if err != nil {
		return err
	}
	defer s.Close()

	var intents []meridian.Intent
	if *all {
		intents, err = s.ListIntents(ctx, *limit)
	} else {
		intents, err = s.ListActiveIntents(ctx)
	}
	if err != nil {
		return err
	}
	renderIntents(out, intents)
	return nil
}

func cmdIntent(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("intent")
	var src sourceFlags
	src.register(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one client_order_id: %w", errUsage)
	}

	s, err := src.open()
	if err != nil {
		return err
	}
	defer s.Close()

	in, err := s.GetIntent(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	renderIntent(out, *in)
	return nil
}

func cmdRuns(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("runs")
	var src sourceFlags
	src.register(fs)
	limit := fs.Int("limit", 20, "maximum runs")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	s, err := src.open()
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(ctx, *limit)
	if err != nil {
		return err
	}
	renderRuns(out, runs)
	return nil
}

// cmdEvents prints a JSONL event log (the newest file under
// storage.events_dir when no path is given) or, with -addr, follows a
// running trader until it finishes or the command is interrupted.
func cmdEvents(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("events")
	addr := fs.String("addr", "", "follow a running trader at host:port")
	typeList := fs.String("type", "", "comma-separated event types to show")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	var types []string
	for _, t := range strings.Split(*typeList, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	if *addr != "" {
		c, err := meridian.NewClient(*addr)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.StreamEvents(ctx, types, func(ev meridian.Event) error {
			renderEvent(out, ev)
			return nil
		})
	}

	path := fs.Arg(0)
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if path, err = latestEventLog(cfg.Storage.EventsDir); err != nil {
			return err
		}
	}
	evs, err := events.ReadJSONL(path)
	if err != nil {
		return err
	}
	want := map[string]bool{}
	for _, t := range types {
		want[t] = true
	}
	for _, ev := range evs {
		if len(want) > 0 && !want[string(ev.Type)] {
			continue
		}
		renderEvent(out, meridian.Event{
			Time:       ev.Time,
			RunID:      ev.RunID,
			Mode:       string(ev.Mode),
			StrategyID: ev.StrategyID,
			Type:       string(ev.Type),
			Payload:    ev.Payload,
		})
	}
	return nil
}

// latestEventLog returns the most recently modified .jsonl file in dir.
func latestEventLog(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no event logs in %s", dir)
	}
	type logFile struct {
		path string
		mod  int64
	}
	files := make([]logFile, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, logFile{m, info.ModTime().UnixNano()})
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no readable event logs in %s", dir)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod > files[j].mod })
	return files[0].path, nil
}

// ---------------------------------------------------------------------------
// Bar archive commands
// ---------------------------------------------------------------------------

// cmdImportBars reads each CSV file and merges its bars into the parquet
// archive. The symbol defaults to the file name without extension.
func cmdImportBars(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("import-bars")
	dataDir := fs.String("data-dir", "", "parquet archive root (default storage.data_dir)")
	symbol := fs.String("symbol", "", "symbol for every file (default: file name)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("expected at least one CSV file: %w", errUsage)
	}
	dir, err := archiveDir(*dataDir)
	if err != nil {
		return err
	}

	ps := store.NewParquetStore(dir)
	for _, path := range fs.Args() {
		if err := ctx.Err(); err != nil {
			return err
		}
		sym := *symbol
		if sym == "" {
			sym = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		sym = strings.ToUpper(strings.TrimSpace(sym))

		bars, err := marketdata.ReadCSVFile(path, sym)
		if err != nil {
			return err
		}
		if err := ps.WriteBars(ctx, bars); err != nil {
			return fmt.Errorf("writing %s: %w", sym, err)
		}
		fmt.Fprintf(out, "%s: imported %d bars (%s .. %s)\n", sym, len(bars),
			bars[0].Timestamp.Format("2006-01-02"), bars[len(bars)-1].Timestamp.Format("2006-01-02"))
	}
	return nil
}

// cmdFetchBars downloads bars for each symbol from Alpaca and merges them
// into the parquet archive. Symbols already archived are skipped unless
// -force is given.
func cmdFetchBars(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("fetch-bars")
	dataDir := fs.String("data-dir", "", "parquet archive root (default storage.data_dir)")
	days := fs.Int("days", 0, "days of history (default alpaca.lookback_days)")
	timeframe := fs.String("timeframe", "", "bar timeframe, e.g. 1Day or 15Min (default alpaca.timeframe)")
	force := fs.Bool("force", false, "refetch symbols that are already archived")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("expected at least one symbol: %w", errUsage)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		return errors.New("alpaca credentials are required (APCA_API_KEY_ID, APCA_API_SECRET_KEY)")
	}
	if *dataDir == "" {
		*dataDir = cfg.Storage.DataDir
	}
	opts := marketdata.AlpacaOptions{
		APIKey:       cfg.Alpaca.APIKey,
		APISecret:    cfg.Alpaca.APISecret,
		DataURL:      cfg.Alpaca.DataURL,
		TimeFrame:    cfg.Alpaca.TimeFrame,
		LookbackDays: cfg.Alpaca.LookbackDays,
		Feed:         cfg.Alpaca.Feed,
		RateLimit:    cfg.Alpaca.RateLimitPerMin,
		Limit:        10000,
	}
	if *days > 0 {
		opts.LookbackDays = *days
	}
	if *timeframe != "" {
		opts.TimeFrame = *timeframe
	}
	provider, err := marketdata.NewAlpacaProvider(opts)
	if err != nil {
		return err
	}
	return fetchInto(ctx, provider, store.NewParquetStore(*dataDir), fs.Args(), *force, out)
}

// fetchInto copies each symbol's bars from p into ps. A symbol that fails
// is reported and skipped; the first failure is returned at the end.
func fetchInto(ctx context.Context, p marketdata.Provider, ps *store.ParquetStore, symbols []string, force bool, out io.Writer) error {
	existing, err := ps.ListSymbols(ctx)
	if err != nil {
		return fmt.Errorf("listing archived symbols: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, s := range existing {
		have[s] = true
	}

	var firstErr error
	for _, raw := range symbols {
		if err := ctx.Err(); err != nil {
			return err
		}
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" {
			continue
		}
		if have[sym] && !force {
			fmt.Fprintf(out, "%s: already archived, skipping\n", sym)
			continue
		}
		bars, err := p.GetBars(ctx, sym)
		if err == nil && len(bars) == 0 {
			err = marketdata.ErrNoBars
		}
		if err == nil {
			err = ps.WriteBars(ctx, bars)
		}
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", sym, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", sym, err)
			}
			continue
		}
		fmt.Fprintf(out, "%s: archived %d bars (%s .. %s)\n", sym, len(bars),
			bars[0].Timestamp.Format("2006-01-02"), bars[len(bars)-1].Timestamp.Format("2006-01-02"))
	}
	return firstErr
}

func cmdSymbols(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("symbols")
	dataDir := fs.String("data-dir", "", "parquet archive root (default storage.data_dir)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	dir, err := archiveDir(*dataDir)
	if err != nil {
		return err
	}
	syms, err := store.NewParquetStore(dir).ListSymbols(ctx)
	if err != nil {
		return err
	}
	for _, s := range syms {
		fmt.Fprintln(out, s)
	}
	return nil
}

func archiveDir(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return cfg.Storage.DataDir, nil
}
