package marketdata

import (
	"context"
	"fmt"
	"time"

	"meridian/internal/domain"
	"meridian/internal/store"
)

// Compile-time interface check.
var _ Provider = (*StoreProvider)(nil)

// StoreProvider serves bar histories out of a store.BarStore, normally the
// Parquet archive written by `meridian-cli import-bars`. A zero Start or End
// leaves that side of the range open.
type StoreProvider struct {
	Bars  store.BarStore
	Start time.Time
	End   time.Time
}

// NewParquetProvider creates a StoreProvider over a ParquetStore rooted at
// dataDir.
func NewParquetProvider(dataDir string, start, end time.Time) *StoreProvider {
	return &StoreProvider{Bars: store.NewParquetStore(dataDir), Start: start, End: end}
}

// GetBars returns the stored bars for symbol within [Start, End].
func (p *StoreProvider) GetBars(ctx context.Context, symbol string) ([]domain.Bar, error) {
	bars, err := p.Bars.ReadBars(ctx, domain.NormalizeSymbol(symbol), p.Start, p.End)
	if err != nil {
		return nil, fmt.Errorf("reading stored bars for %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("stored bars for %s: %w", symbol, ErrNoBars)
	}
	return bars, nil
}
