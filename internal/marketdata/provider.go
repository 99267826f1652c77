// Package marketdata supplies OHLCV bar series to the engine, either live
// from Alpaca or from local CSV / Parquet history replayed walk-forward.
package marketdata

import (
	"context"
	"errors"

	"meridian/internal/domain"
)

// ErrNoBars is returned when a provider has no usable bars for a symbol.
var ErrNoBars = errors.New("marketdata: no bars")

// Provider returns the bar series for a symbol, ascending by time.
type Provider interface {
	GetBars(ctx context.Context, symbol string) ([]domain.Bar, error)
}

// StepCounter is implemented by providers that replay a finite history and
// know how many cycles a full pass over symbols takes.
type StepCounter interface {
	TotalSteps(ctx context.Context, symbols []string) (int, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(ctx context.Context, symbol string) ([]domain.Bar, error)

// GetBars calls f.
func (f ProviderFunc) GetBars(ctx context.Context, symbol string) ([]domain.Bar, error) {
	return f(ctx, symbol)
}
