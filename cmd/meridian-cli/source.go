package main

import (
	"context"

	"meridian/internal/store"
	"meridian/pkg/meridian"
)

// source answers the inspection queries, either from the SQLite file of a
// trader on this host or from a running trader over gRPC.
type source interface {
	ListActiveIntents(ctx context.Context) ([]meridian.Intent, error)
	ListIntents(ctx context.Context, limit int) ([]meridian.Intent, error)
	GetIntent(ctx context.Context, clientOrderID string) (*meridian.Intent, error)
	ListRuns(ctx context.Context, limit int) ([]meridian.Run, error)
	Close() error
}

// Compile-time interface checks.
var (
	_ source = (*meridian.Client)(nil)
	_ source = (*localSource)(nil)
)

// localSource reads the intent store directly.
type localSource struct {
	st *store.SQLiteStore
}

func openLocal(path string) (*localSource, error) {
	st, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	return &localSource{st: st}, nil
}

func (l *localSource) ListActiveIntents(ctx context.Context) ([]meridian.Intent, error) {
	recs, err := l.st.ListActiveIntents(ctx)
	if err != nil {
		return nil, err
	}
	return toIntents(recs), nil
}

func (l *localSource) ListIntents(ctx context.Context, limit int) ([]meridian.Intent, error) {
	recs, err := l.st.ListIntents(ctx, limit)
	if err != nil {
		return nil, err
	}
	return toIntents(recs), nil
}

func (l *localSource) GetIntent(ctx context.Context, clientOrderID string) (*meridian.Intent, error) {
	rec, err := l.st.GetIntent(ctx, clientOrderID)
	if err != nil {
		return nil, err
	}
	in := toIntent(*rec)
	return &in, nil
}

func (l *localSource) ListRuns(ctx context.Context, limit int) ([]meridian.Run, error) {
	runs, err := l.st.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]meridian.Run, 0, len(runs))
	for _, r := range runs {
		out = append(out, meridian.Run{
			RunID:      r.RunID,
			Mode:       string(r.Mode),
			StrategyID: r.StrategyID,
			Symbols:    r.Symbols,
			StartedAt:  r.StartedAt,
		})
	}
	return out, nil
}

func (l *localSource) Close() error { return l.st.Close() }

func toIntents(recs []store.OrderIntentRecord) []meridian.Intent {
	out := make([]meridian.Intent, 0, len(recs))
	for _, r := range recs {
		out = append(out, toIntent(r))
	}
	return out
}

func toIntent(r store.OrderIntentRecord) meridian.Intent {
	return meridian.Intent{
		ClientOrderID:  r.ClientOrderID,
		RunID:          r.RunID,
		Symbol:         r.Symbol,
		Side:           string(r.Side),
		Qty:            r.Qty,
		OrderType:      r.OrderType,
		Status:         string(r.Status),
		BrokerOrderID:  r.BrokerOrderID,
		Fingerprint:    r.Fingerprint,
		PositionBefore: r.PositionBefore,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
