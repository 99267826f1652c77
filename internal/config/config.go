package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"meridian/internal/domain"
	"meridian/internal/engine"
	"meridian/internal/strategy"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration of a meridian process.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Trading  TradingConfig  `yaml:"trading"`
	Backtest BacktestConfig `yaml:"backtest"`
}

// Storage holds paths for data persistence.
type Storage struct {
	// DataDir is the root of the parquet bar store.
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	// EventsDir receives one <run_id>.jsonl file per run.
	EventsDir string `yaml:"events_dir"`
}

// Server holds the listeners of the read-only operator surfaces. A zero
// port disables that listener.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
	WSPort   int    `yaml:"ws_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca trading and market
// data APIs.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	TimeFrame       string `yaml:"timeframe"`
	LookbackDays    int    `yaml:"lookback_days"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig selects the strategy and the execution and risk parameters
// of a run.
type TradingConfig struct {
	Mode     domain.Mode    `yaml:"mode"`
	Strategy string         `yaml:"strategy"`
	Params   map[string]any `yaml:"params"`
	Symbols  []string       `yaml:"symbols"`

	Interval   time.Duration `yaml:"interval"`
	Once       bool          `yaml:"once"`
	Continuous bool          `yaml:"continuous"`
	// MaxPasses bounds live cycles; once implies 1.
	MaxPasses int `yaml:"max_passes"`

	OrderType   string `yaml:"order_type"`
	TimeInForce string `yaml:"time_in_force"`

	Sizing SizingConfig `yaml:"sizing"`
	Risk   RiskConfig   `yaml:"risk"`

	ReconcileEpsilon   float64 `yaml:"reconcile_epsilon"`
	ReconcileEachCycle bool    `yaml:"reconcile_each_cycle"`
	// FractionalShorts overrides the broker's own answer when set.
	FractionalShorts *bool `yaml:"fractional_shorts"`
}

// SizingConfig mirrors engine.Sizing.
type SizingConfig struct {
	Method       string  `yaml:"method"`
	NotionalUSD  float64 `yaml:"notional_usd"`
	QtyPrecision int32   `yaml:"qty_precision"`
	MinTradeQty  float64 `yaml:"min_trade_qty"`
}

// RiskConfig mirrors domain.RiskLimits.
type RiskConfig struct {
	MaxAbsPositionPerSymbol float64 `yaml:"max_abs_position_per_symbol"`
	AllowShort              bool    `yaml:"allow_short"`
}

// BacktestConfig controls historical replays.
type BacktestConfig struct {
	StartingCash float64 `yaml:"starting_cash"`
	// DataSource is auto, alpaca, csv or parquet. auto picks csv for
	// backtests and alpaca otherwise.
	DataSource string `yaml:"data_source"`
	// DataDir holds <SYMBOL>.csv files.
	DataDir  string `yaml:"data_dir"`
	MaxSteps int    `yaml:"max_steps"`
	// Start and End bound parquet reads, formatted 2006-01-02.
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Data source names.
const (
	DataSourceAuto    = "auto"
	DataSourceAlpaca  = "alpaca"
	DataSourceCSV     = "csv"
	DataSourceParquet = "parquet"
)

const dateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns the configuration used when no file and no environment
// variables are present.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "state/meridian.db",
			EventsDir:  "runs",
		},
		Server: Server{Host: "127.0.0.1"},
		Alpaca: Alpaca{
			BaseURL:         "https://paper-api.alpaca.markets",
			DataURL:         "https://data.alpaca.markets",
			Feed:            "iex",
			TimeFrame:       "1Day",
			LookbackDays:    365,
			RateLimitPerMin: 200,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Trading: TradingConfig{
			Mode:        domain.ModePaper,
			Strategy:    strategy.DefaultID,
			Symbols:     []string{"SPY"},
			Interval:    5 * time.Second,
			OrderType:   domain.OrderTypeMarket,
			TimeInForce: domain.TimeInForceDay,
			Sizing: SizingConfig{
				Method:      string(engine.SizingUnits),
				NotionalUSD: 1000,
			},
			Risk: RiskConfig{
				MaxAbsPositionPerSymbol: 100,
				AllowShort:              true,
			},
			ReconcileEpsilon: engine.DefaultReconcileEpsilon,
		},
		Backtest: BacktestConfig{
			StartingCash: 100000,
			DataSource:   DataSourceAuto,
			DataDir:      "historical_data",
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path on top of the
// defaults and then applies environment variable overrides. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.Trading.Mode = domain.Mode(strings.ToLower(strings.TrimSpace(string(cfg.Trading.Mode))))
	cfg.Trading.Symbols = domain.NormalizeSymbols(cfg.Trading.Symbols)
	cfg.Backtest.DataSource = strings.ToLower(strings.TrimSpace(cfg.Backtest.DataSource))

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				*dst = v
			}
		}
	}

	str(&cfg.Storage.DataDir, "MERIDIAN_DATA_DIR")
	str(&cfg.Storage.SQLitePath, "MERIDIAN_SQLITE_PATH", "STATE_DB_PATH")
	str(&cfg.Storage.EventsDir, "MERIDIAN_EVENTS_DIR", "EVENTS_DIR")
	str(&cfg.Logging.Level, "MERIDIAN_LOG_LEVEL", "LOG_LEVEL")
	str(&cfg.Trading.Strategy, "MERIDIAN_STRATEGY")
	str(&cfg.Trading.OrderType, "MERIDIAN_ORDER_TYPE")
	str(&cfg.Backtest.DataSource, "MERIDIAN_DATA_SOURCE")
	str(&cfg.Backtest.DataDir, "MERIDIAN_HISTORICAL_DATA_DIR")

	if v := os.Getenv("MERIDIAN_MODE"); v != "" {
		cfg.Trading.Mode = domain.Mode(v)
	}
	if v := os.Getenv("MERIDIAN_SYMBOLS"); v != "" {
		cfg.Trading.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("MERIDIAN_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MERIDIAN_INTERVAL: %w", err)
		}
		cfg.Trading.Interval = d
	}
	if v := os.Getenv("MERIDIAN_ALLOW_SHORT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MERIDIAN_ALLOW_SHORT: %w", err)
		}
		cfg.Trading.Risk.AllowShort = b
	}
	if v := os.Getenv("MERIDIAN_MAX_ABS_POSITION"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MERIDIAN_MAX_ABS_POSITION: %w", err)
		}
		cfg.Trading.Risk.MaxAbsPositionPerSymbol = f
	}
	if v := os.Getenv("MERIDIAN_STARTING_CASH"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MERIDIAN_STARTING_CASH: %w", err)
		}
		cfg.Backtest.StartingCash = f
	}

	str(&cfg.Alpaca.APIKey, "ALPACA_API_KEY")
	str(&cfg.Alpaca.APISecret, "ALPACA_API_SECRET", "ALPACA_SECRET_KEY")
	str(&cfg.Alpaca.BaseURL, "ALPACA_BASE_URL")
	str(&cfg.Alpaca.DataURL, "ALPACA_DATA_URL")

	// Standard Alpaca env vars (highest priority, canonical names used by the SDK).
	str(&cfg.Alpaca.APIKey, "APCA_API_KEY_ID")
	str(&cfg.Alpaca.APISecret, "APCA_API_SECRET_KEY")
	return nil
}

// ---------------------------------------------------------------------------
// Validation and derived settings
// ---------------------------------------------------------------------------

// Validate returns the first configuration error.
func (c *Config) Validate() error {
	t := c.Trading
	switch t.Mode {
	case domain.ModeBacktest, domain.ModePaper, domain.ModeLive:
	default:
		return fmt.Errorf("trading.mode must be one of backtest, paper, live, got %q", t.Mode)
	}
	if strings.TrimSpace(t.Strategy) == "" {
		return errors.New("trading.strategy is required")
	}
	if len(domain.NormalizeSymbols(t.Symbols)) == 0 {
		return errors.New("trading.symbols must name at least one symbol")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("trading.interval must be positive, got %s", t.Interval)
	}
	if t.MaxPasses < 0 {
		return fmt.Errorf("trading.max_passes must not be negative, got %d", t.MaxPasses)
	}
	if t.ReconcileEpsilon < 0 {
		return fmt.Errorf("trading.reconcile_epsilon must not be negative, got %g", t.ReconcileEpsilon)
	}
	if err := c.Sizing().Validate(); err != nil {
		return fmt.Errorf("trading.sizing: %w", err)
	}
	if err := c.RiskLimits().Validate(); err != nil {
		return fmt.Errorf("trading.risk: %w", err)
	}

	switch c.Backtest.DataSource {
	case DataSourceAuto, DataSourceAlpaca, DataSourceCSV, DataSourceParquet:
	default:
		return fmt.Errorf("backtest.data_source must be one of auto, alpaca, csv, parquet, got %q", c.Backtest.DataSource)
	}
	if t.Mode == domain.ModeBacktest && c.Backtest.StartingCash <= 0 {
		return fmt.Errorf("backtest.starting_cash must be positive, got %g", c.Backtest.StartingCash)
	}
	if c.Backtest.MaxSteps < 0 {
		return fmt.Errorf("backtest.max_steps must not be negative, got %d", c.Backtest.MaxSteps)
	}
	if _, _, err := c.Backtest.Window(); err != nil {
		return err
	}
	if t.Mode.IsLive() && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		return fmt.Errorf("alpaca credentials are required in %s mode", t.Mode)
	}
	return nil
}

// Sizing converts the sizing section into engine.Sizing.
func (c *Config) Sizing() engine.Sizing {
	s := c.Trading.Sizing
	return engine.Sizing{
		Method:       engine.SizingMethod(strings.ToLower(strings.TrimSpace(s.Method))),
		NotionalUSD:  s.NotionalUSD,
		QtyPrecision: s.QtyPrecision,
		MinTradeQty:  s.MinTradeQty,
	}
}

// RiskLimits converts the risk section into domain.RiskLimits.
func (c *Config) RiskLimits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxAbsPositionPerSymbol: c.Trading.Risk.MaxAbsPositionPerSymbol,
		AllowShort:              c.Trading.Risk.AllowShort,
	}
}

// OrderDefaults returns the configured order type and time in force.
func (c *Config) OrderDefaults() engine.OrderDefaults {
	return engine.OrderDefaults{OrderType: c.Trading.OrderType, TimeInForce: c.Trading.TimeInForce}
}

// StrategyParams returns a copy of trading.params.
func (c *Config) StrategyParams() strategy.Params {
	p := make(strategy.Params, len(c.Trading.Params))
	for k, v := range c.Trading.Params {
		p[k] = v
	}
	return p
}

// RunsContinuously reports whether live cycles repeat. once wins over
// continuous; otherwise paper and live runs loop and backtests do not.
func (c *Config) RunsContinuously() bool {
	switch {
	case c.Trading.Once:
		return false
	case c.Trading.Continuous:
		return true
	}
	return c.Trading.Mode.IsLive()
}

// MaxPasses resolves the live pass limit: 1 for a single pass, otherwise
// trading.max_passes (0 meaning unbounded).
func (c *Config) MaxPasses() int {
	if !c.RunsContinuously() {
		return 1
	}
	return c.Trading.MaxPasses
}

// EffectiveDataSource resolves auto against the mode.
func (c *Config) EffectiveDataSource() string {
	if c.Backtest.DataSource != DataSourceAuto && c.Backtest.DataSource != "" {
		return c.Backtest.DataSource
	}
	if c.Trading.Mode == domain.ModeBacktest {
		return DataSourceCSV
	}
	return DataSourceAlpaca
}

// Window parses Start and End. Missing bounds are zero times; a date-only
// End covers that whole day.
func (b BacktestConfig) Window() (start, end time.Time, err error) {
	if s := strings.TrimSpace(b.Start); s != "" {
		if start, err = time.Parse(dateLayout, s); err != nil {
			return start, end, fmt.Errorf("backtest.start: %w", err)
		}
	}
	if s := strings.TrimSpace(b.End); s != "" {
		if end, err = time.Parse(dateLayout, s); err != nil {
			return start, end, fmt.Errorf("backtest.end: %w", err)
		}
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return start, end, fmt.Errorf("backtest.end %s is before backtest.start %s", b.End, b.Start)
	}
	return start, end, nil
}
