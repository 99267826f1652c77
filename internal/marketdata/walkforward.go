package marketdata

import (
	"context"
	"fmt"
	"sync"

	"meridian/internal/domain"
)

// Compile-time interface checks.
var (
	_ Provider    = (*WalkForward)(nil)
	_ StepCounter = (*WalkForward)(nil)
)

// WalkForward reveals a symbol's history one bar per GetBars call. The first
// call for a symbol returns the first warmup bars, the n-th call returns
// warmup+n, and once the history is exhausted every call returns all of it.
// A strategy driven through WalkForward never sees a bar that lies after the
// current step.
type WalkForward struct {
	src      Provider
	warmup   int
	maxSteps int

	mu      sync.Mutex
	history map[string][]domain.Bar
	cursor  map[string]int
}

// NewWalkForward wraps src, which must return the full history of a symbol.
// warmup is clamped to at least 1. maxSteps <= 0 means no cap.
func NewWalkForward(src Provider, warmup, maxSteps int) *WalkForward {
	if warmup < 1 {
		warmup = 1
	}
	return &WalkForward{
		src:      src,
		warmup:   warmup,
		maxSteps: maxSteps,
		history:  make(map[string][]domain.Bar),
		cursor:   make(map[string]int),
	}
}

// Warmup returns the effective warmup window.
func (w *WalkForward) Warmup() int { return w.warmup }

// GetBars returns the currently visible prefix of symbol's history and
// advances its cursor by one bar.
func (w *WalkForward) GetBars(ctx context.Context, symbol string) ([]domain.Bar, error) {
	bars, err := w.load(ctx, symbol)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cursor, ok := w.cursor[symbol]
	if !ok {
		cursor = min(w.warmup, len(bars))
	}
	end := max(1, min(cursor, len(bars)))
	if cursor < len(bars) {
		w.cursor[symbol] = cursor + 1
	} else {
		w.cursor[symbol] = len(bars)
	}

	out := make([]domain.Bar, end)
	copy(out, bars[:end])
	return out, nil
}

// TotalSteps returns the number of cycles needed to walk every symbol's
// history to its end: the maximum over symbols of len - min(warmup, len) + 1,
// at least 1, capped by maxSteps when set.
func (w *WalkForward) TotalSteps(ctx context.Context, symbols []string) (int, error) {
	total := 1
	for _, sym := range symbols {
		bars, err := w.load(ctx, sym)
		if err != nil {
			return 0, err
		}
		steps := max(1, len(bars)-min(w.warmup, len(bars))+1)
		total = max(total, steps)
	}
	if w.maxSteps > 0 && total > w.maxSteps {
		total = w.maxSteps
	}
	return total, nil
}

func (w *WalkForward) load(ctx context.Context, symbol string) ([]domain.Bar, error) {
	w.mu.Lock()
	bars, ok := w.history[symbol]
	w.mu.Unlock()
	if ok {
		return bars, nil
	}

	bars, err := w.src.GetBars(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("loading %s: %w", symbol, ErrNoBars)
	}

	w.mu.Lock()
	w.history[symbol] = bars
	w.mu.Unlock()
	return bars, nil
}
