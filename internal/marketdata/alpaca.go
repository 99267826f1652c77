package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	alpacamd "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"meridian/internal/broker"
	"meridian/internal/domain"
	"meridian/internal/util"
)

// Compile-time interface check.
var _ Provider = (*AlpacaProvider)(nil)

// alpacaBarsAPI is the subset of *alpacamd.Client used here.
type alpacaBarsAPI interface {
	GetBars(symbol string, req alpacamd.GetBarsRequest) ([]alpacamd.Bar, error)
	GetCryptoBars(symbol string, req alpacamd.GetCryptoBarsRequest) ([]alpacamd.CryptoBar, error)
}

// AlpacaOptions configures an AlpacaProvider.
type AlpacaOptions struct {
	APIKey       string
	APISecret    string
	DataURL      string
	TimeFrame    string // e.g. "1Day", "15Min"
	LookbackDays int
	Limit        int
	Feed         string
	MaxRetries   int
	RateLimit    int // requests per minute
}

// AlpacaProvider fetches recent bars from the Alpaca market-data API. Stocks
// and USD-quoted crypto pairs are routed to their respective endpoints.
type AlpacaProvider struct {
	client     alpacaBarsAPI
	timeframe  alpacamd.TimeFrame
	lookback   time.Duration
	limit      int
	feed       string
	maxRetries int
	limiter    *util.RateLimiter
	now        func() time.Time
	log        *slog.Logger
}

// NewAlpacaProvider creates an AlpacaProvider. Zero option values take the
// defaults: 1Day bars, 365 days of lookback, 500 bars, iex feed, 3 tries.
func NewAlpacaProvider(opts AlpacaOptions) (*AlpacaProvider, error) {
	clientOpts := alpacamd.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		clientOpts.BaseURL = opts.DataURL
	}
	return newAlpacaProvider(alpacamd.NewClient(clientOpts), opts)
}

func newAlpacaProvider(client alpacaBarsAPI, opts AlpacaOptions) (*AlpacaProvider, error) {
	tf, err := ParseTimeFrame(opts.TimeFrame)
	if err != nil {
		return nil, err
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 365
	}
	if opts.Limit <= 0 {
		opts.Limit = 500
	}
	if opts.Feed == "" {
		opts.Feed = "iex"
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 200
	}
	return &AlpacaProvider{
		client:     client,
		timeframe:  tf,
		lookback:   time.Duration(opts.LookbackDays) * 24 * time.Hour,
		limit:      opts.Limit,
		feed:       opts.Feed,
		maxRetries: opts.MaxRetries,
		limiter:    util.NewRateLimiter(opts.RateLimit),
		now:        time.Now,
		log:        slog.Default().With("provider", "alpaca"),
	}, nil
}

// GetBars returns up to Limit bars covering the lookback window, ascending.
func (p *AlpacaProvider) GetBars(ctx context.Context, symbol string) ([]domain.Bar, error) {
	sym := domain.NormalizeSymbol(symbol)
	end := p.now().UTC()
	start := end.Add(-p.lookback)

	bars, err := util.RetryValue(ctx, p.maxRetries, time.Second, func() ([]domain.Bar, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, util.Permanent(err)
		}
		if broker.IsCryptoSymbol(sym) {
			return p.fetchCrypto(sym, start, end)
		}
		return p.fetchStock(sym, start, end)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching bars for %s: %w", sym, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("fetching bars for %s: %w", sym, ErrNoBars)
	}
	p.log.Debug("fetched bars", "symbol", sym, "bars", len(bars))
	return bars, nil
}

func (p *AlpacaProvider) fetchStock(symbol string, start, end time.Time) ([]domain.Bar, error) {
	raw, err := p.client.GetBars(symbol, alpacamd.GetBarsRequest{
		TimeFrame:  p.timeframe,
		Adjustment: alpacamd.Raw,
		Start:      start,
		End:        end,
		TotalLimit: p.limit,
		Feed:       p.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars: %w", err)
	}
	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timestamp:  ab.Timestamp,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	return bars, nil
}

func (p *AlpacaProvider) fetchCrypto(symbol string, start, end time.Time) ([]domain.Bar, error) {
	raw, err := p.client.GetCryptoBars(CryptoPair(symbol), alpacamd.GetCryptoBarsRequest{
		TimeFrame:  p.timeframe,
		Start:      start,
		End:        end,
		TotalLimit: p.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("GetCryptoBars: %w", err)
	}
	bars := make([]domain.Bar, 0, len(raw))
	for _, cb := range raw {
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timestamp:  cb.Timestamp,
			Open:       cb.Open,
			High:       cb.High,
			Low:        cb.Low,
			Close:      cb.Close,
			Volume:     int64(cb.Volume),
			TradeCount: int64(cb.TradeCount),
			VWAP:       cb.VWAP,
		})
	}
	return bars, nil
}

// CryptoPair converts a compact crypto symbol into the slash form the data
// API expects: "BTCUSD" and "btc/usdt" both become "BTC/USD".
func CryptoPair(symbol string) string {
	s := broker.NormalizeAlpacaSymbol(symbol)
	if base, ok := strings.CutSuffix(s, "USD"); ok && base != "" {
		return base + "/USD"
	}
	return s
}

var timeFramePattern = regexp.MustCompile(`^(\d+)\s*([A-Za-z]+)$`)

// ParseTimeFrame parses "1Day", "15Min", "1Hour", "1Week" or "1Month".
// An empty string means 1Day.
func ParseTimeFrame(s string) (alpacamd.TimeFrame, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return alpacamd.OneDay, nil
	}
	m := timeFramePattern.FindStringSubmatch(s)
	if m == nil {
		return alpacamd.TimeFrame{}, fmt.Errorf("invalid timeframe %q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return alpacamd.TimeFrame{}, fmt.Errorf("invalid timeframe amount in %q", s)
	}
	var unit alpacamd.TimeFrameUnit
	switch strings.ToLower(m[2]) {
	case "m", "min", "minute", "t":
		unit = alpacamd.Min
	case "h", "hour":
		unit = alpacamd.Hour
	case "d", "day":
		unit = alpacamd.Day
	case "w", "week":
		unit = alpacamd.Week
	case "mo", "month":
		unit = alpacamd.Month
	default:
		return alpacamd.TimeFrame{}, fmt.Errorf("invalid timeframe unit in %q", s)
	}
	return alpacamd.NewTimeFrame(n, unit), nil
}
