package store

import (
	"context"

	"meridian/internal/domain"
)

// Compile-time interface check.
var _ IntentStore = NoopStore{}

// NoopStore is the IntentStore used in backtests: nothing is persisted and
// no intent is ever considered active. Backtests have no crash-recovery need.
type NoopStore struct{}

func (NoopStore) RecordRun(context.Context, Run) error { return nil }

func (NoopStore) SaveIntendedOrder(context.Context, string, domain.OrderRequest, float64) error {
	return nil
}

func (NoopStore) MarkSubmitted(context.Context, string, string, string) error { return nil }

func (NoopStore) MarkReconciled(context.Context, string, IntentStatus) error { return nil }

func (NoopStore) ListActiveIntents(context.Context) ([]OrderIntentRecord, error) { return nil, nil }

func (NoopStore) HasActiveIntent(context.Context, string, domain.OrderSide, float64) (bool, error) {
	return false, nil
}

func (NoopStore) Close() error { return nil }
