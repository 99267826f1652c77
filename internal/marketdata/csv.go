package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"meridian/internal/domain"
)

// Compile-time interface check.
var _ Provider = (*CSVProvider)(nil)

var dateColumns = []string{"date", "datetime", "timestamp"}

var ohlcvColumns = []string{"open", "high", "low", "close", "volume"}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// CSVProvider loads full bar histories from <DataDir>/<SYMBOL>.csv, or
// <DataDir>/<MARKET>/<SYMBOL>.csv for "MARKET:SYMBOL" names. Column names
// are matched case-insensitively. When a file is missing and Fallback is
// set, bars are fetched from it and, with Persist, written back as CSV.
type CSVProvider struct {
	DataDir  string
	Fallback Provider
	Persist  bool

	mu     sync.Mutex
	cache  map[string][]domain.Bar
	failed map[string]error
	log    *slog.Logger
}

// NewCSVProvider creates a CSVProvider rooted at dataDir.
func NewCSVProvider(dataDir string) *CSVProvider {
	return &CSVProvider{
		DataDir: dataDir,
		cache:   make(map[string][]domain.Bar),
		failed:  make(map[string]error),
		log:     slog.Default().With("provider", "csv"),
	}
}

// GetBars returns the whole history for symbol, ascending by time.
func (p *CSVProvider) GetBars(ctx context.Context, symbol string) ([]domain.Bar, error) {
	p.mu.Lock()
	if bars, ok := p.cache[symbol]; ok {
		p.mu.Unlock()
		return bars, nil
	}
	if err, ok := p.failed[symbol]; ok {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	bars, err := p.load(ctx, symbol)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		// Remember fallback failures so a backtest does not hammer the API.
		if p.Fallback != nil {
			p.failed[symbol] = err
		}
		return nil, err
	}
	p.cache[symbol] = bars
	return bars, nil
}

func (p *CSVProvider) load(ctx context.Context, symbol string) ([]domain.Bar, error) {
	path := p.resolvePath(symbol)
	if path != "" {
		return ReadCSVFile(path, symbol)
	}
	if p.Fallback == nil {
		return nil, fmt.Errorf("no CSV for %s under %s: %w", symbol, p.DataDir, ErrNoBars)
	}

	bars, err := p.Fallback.GetBars(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("no CSV for %s under %s; fallback fetch failed: %w", symbol, p.DataDir, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no CSV for %s under %s; fallback returned nothing: %w", symbol, p.DataDir, ErrNoBars)
	}
	if p.Persist {
		out := p.savePath(symbol)
		if err := WriteCSVFile(out, bars); err != nil {
			p.log.Warn("persisting downloaded bars", "symbol", symbol, "path", out, "error", err)
		} else {
			p.log.Info("persisted downloaded bars", "symbol", symbol, "path", out, "bars", len(bars))
		}
	}
	return bars, nil
}

func (p *CSVProvider) resolvePath(symbol string) string {
	market, bare := splitMarketSymbol(symbol)
	upper, lower := strings.ToUpper(bare), strings.ToLower(bare)

	var candidates []string
	if market != "" {
		for _, m := range []string{strings.ToUpper(market), strings.ToLower(market)} {
			candidates = append(candidates,
				filepath.Join(p.DataDir, m, upper+".csv"),
				filepath.Join(p.DataDir, m, lower+".csv"),
			)
		}
	}
	candidates = append(candidates,
		filepath.Join(p.DataDir, upper+".csv"),
		filepath.Join(p.DataDir, lower+".csv"),
	)
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

func (p *CSVProvider) savePath(symbol string) string {
	market, bare := splitMarketSymbol(symbol)
	if market == "" {
		return filepath.Join(p.DataDir, strings.ToUpper(bare)+".csv")
	}
	return filepath.Join(p.DataDir, strings.ToUpper(market), strings.ToUpper(bare)+".csv")
}

// splitMarketSymbol splits "US:SPY" into ("US", "SPY"). Names without a
// market prefix return an empty market.
func splitMarketSymbol(symbol string) (string, string) {
	s := strings.TrimSpace(symbol)
	market, bare, ok := strings.Cut(s, ":")
	market, bare = strings.TrimSpace(market), strings.TrimSpace(bare)
	if !ok || market == "" || bare == "" {
		return "", s
	}
	return market, bare
}

// ---------------------------------------------------------------------------
// CSV codec
// ---------------------------------------------------------------------------

// ReadCSVFile parses an OHLCV CSV file. See ReadCSV.
func ReadCSVFile(path, symbol string) ([]domain.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening CSV %s: %w", path, err)
	}
	defer f.Close()

	bars, err := ReadCSV(f, symbol)
	if err != nil {
		return nil, fmt.Errorf("reading CSV %s: %w", path, err)
	}
	return bars, nil
}

// ReadCSV parses OHLCV rows. The header must carry one of date, datetime or
// timestamp plus open, high, low, close and volume, in any case and order.
// Rows with an unparseable date or price are dropped; a bad volume reads as
// zero. The result is sorted ascending and must not be empty.
func ReadCSV(r io.Reader, symbol string) ([]domain.Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty CSV: %w", symbol, ErrNoBars)
		}
		return nil, err
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}

	dateIdx := -1
	for _, name := range dateColumns {
		if i, ok := index[name]; ok {
			dateIdx = i
			break
		}
	}
	if dateIdx < 0 {
		return nil, fmt.Errorf("CSV missing date column, expected one of: %s", strings.Join(dateColumns, ", "))
	}
	cols := make(map[string]int, len(ohlcvColumns))
	for _, name := range ohlcvColumns {
		i, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%s: CSV missing required column %q", symbol, name)
		}
		cols[name] = i
	}

	sym := domain.NormalizeSymbol(symbol)
	var bars []domain.Bar
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		ts, ok := parseDate(field(rec, dateIdx))
		if !ok {
			continue
		}
		var prices [4]float64
		valid := true
		for i, name := range ohlcvColumns[:4] {
			v, err := strconv.ParseFloat(field(rec, cols[name]), 64)
			if err != nil {
				valid = false
				break
			}
			prices[i] = v
		}
		if !valid {
			continue
		}
		vol, _ := strconv.ParseFloat(field(rec, cols["volume"]), 64)

		bars = append(bars, domain.Bar{
			Symbol:    sym,
			Timestamp: ts,
			Open:      prices[0],
			High:      prices[1],
			Low:       prices[2],
			Close:     prices[3],
			Volume:    int64(vol),
		})
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: data has no valid OHLCV rows: %w", symbol, ErrNoBars)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// WriteCSVFile writes bars as date,open,high,low,close,volume rows,
// creating parent directories as needed.
func WriteCSVFile(path string, bars []domain.Bar) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"date", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, b := range bars {
		row := []string{
			b.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatInt(b.Volume, 10),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
