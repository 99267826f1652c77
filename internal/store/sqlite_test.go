package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/domain"
)

// newTestStore opens a SQLite store in a temp dir with a clock that advances
// one second per call so creation order is deterministic.
func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "meridian.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	base := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s, path
}

func buyReq(id, symbol string, qty float64) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:        symbol,
		Qty:           qty,
		Side:          domain.OrderSideBuy,
		OrderType:     domain.OrderTypeMarket,
		TimeInForce:   domain.TimeInForceDay,
		ClientOrderID: id,
	}
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "SPY|buy|2", Fingerprint(" spy", domain.OrderSideBuy, 2))
	assert.Equal(t, "SPY|sell|0.5", Fingerprint("SPY", domain.OrderSideSell, 0.5))
	assert.Equal(t,
		Fingerprint("SPY", domain.OrderSideBuy, 0.1+0.2),
		Fingerprint("SPY", domain.OrderSideBuy, 0.3),
		"float noise below 8 decimals must not change the fingerprint")
	assert.NotEqual(t,
		Fingerprint("SPY", domain.OrderSideBuy, 1),
		Fingerprint("SPY", domain.OrderSideSell, 1))
}

func TestNormalizeSubmissionStatus(t *testing.T) {
	cases := map[string]IntentStatus{
		"filled":           StatusFilled,
		" FILLED ":         StatusFilled,
		"canceled":         StatusCanceled,
		"cancelled":        StatusCanceled,
		"rejected":         StatusRejected,
		"accepted":         StatusSubmitted,
		"new":              StatusSubmitted,
		"partially_filled": StatusSubmitted,
		"":                 StatusSubmitted,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeSubmissionStatus(in), "status %q", in)
	}
}

func TestSaveIntendedOrderRequiresClientOrderID(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.SaveIntendedOrder(context.Background(), "run-1", buyReq("", "SPY", 1), 0)
	require.Error(t, err)
}

func TestSaveIntendedOrderRejectsDuplicateClientOrderID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveIntendedOrder(ctx, "run-1", buyReq("c-1", "SPY", 1), 0))
	require.Error(t, s.SaveIntendedOrder(ctx, "run-1", buyReq("c-1", "QQQ", 3), 0))
}

func TestIntentLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveIntendedOrder(ctx, "run-1", buyReq("c-1", "spy", 2), 5))

	active, err := s.HasActiveIntent(ctx, "SPY", domain.OrderSideBuy, 2)
	require.NoError(t, err)
	assert.True(t, active, "intended order must be active")

	rec, err := s.GetIntent(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, StatusIntended, rec.Status)
	assert.Equal(t, "SPY", rec.Symbol)
	assert.Equal(t, "SPY|buy|2", rec.Fingerprint)
	assert.Equal(t, 5.0, rec.PositionBefore)
	assert.Empty(t, rec.BrokerOrderID)

	require.NoError(t, s.MarkSubmitted(ctx, "c-1", "b-1", "accepted"))
	rec, err = s.GetIntent(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, rec.Status)
	assert.Equal(t, "b-1", rec.BrokerOrderID)

	active, err = s.HasActiveIntent(ctx, "SPY", domain.OrderSideBuy, 2)
	require.NoError(t, err)
	assert.True(t, active, "submitted order must stay active")

	require.NoError(t, s.MarkReconciled(ctx, "c-1", StatusFilledReconciled))
	active, err = s.HasActiveIntent(ctx, "SPY", domain.OrderSideBuy, 2)
	require.NoError(t, err)
	assert.False(t, active, "reconciled intents stop counting toward dedupe")
}

func TestMarkSubmittedTerminalStatusIsInactive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveIntendedOrder(ctx, "run-1", buyReq("c-1", "SPY", 1), 0))
	require.NoError(t, s.MarkSubmitted(ctx, "c-1", "b-1", "Filled"))

	rec, err := s.GetIntent(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, rec.Status)

	active, err := s.ListActiveIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMarkUnknownIntent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.MarkSubmitted(ctx, "missing", "b-1", "new")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	err = s.MarkReconciled(ctx, "missing", StatusStaleReconciled)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestListActiveIntentsOrderedByCreation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c-3", "c-1", "c-2"} {
		require.NoError(t, s.SaveIntendedOrder(ctx, "run-1", buyReq(id, "SPY", 1), 0))
	}
	require.NoError(t, s.MarkReconciled(ctx, "c-1", StatusStaleReconciled))

	active, err := s.ListActiveIntents(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "c-3", active[0].ClientOrderID)
	assert.Equal(t, "c-2", active[1].ClientOrderID)
}

func TestIntentsSurviveReopen(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveIntendedOrder(ctx, "run-1", buyReq("c-1", "SPY", 2), 0))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	active, err := reopened.HasActiveIntent(ctx, "SPY", domain.OrderSideBuy, 2)
	require.NoError(t, err)
	assert.True(t, active, "active intent must survive a process restart")
}

func TestRecordAndListRuns(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordRun(ctx, Run{RunID: "r1", Mode: domain.ModeLive, StrategyID: "sma_crossover", Symbols: []string{"SPY", "QQQ"}}))
	require.NoError(t, s.RecordRun(ctx, Run{RunID: "r2", Mode: domain.ModePaper, StrategyID: "momentum", Symbols: []string{"SPY"}}))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].RunID)
	assert.Equal(t, []string{"SPY", "QQQ"}, runs[1].Symbols)
	assert.Equal(t, domain.ModeLive, runs[1].Mode)
}

func TestNoopStore(t *testing.T) {
	var s IntentStore = NoopStore{}
	ctx := context.Background()
	require.NoError(t, s.SaveIntendedOrder(ctx, "run", buyReq("c-1", "SPY", 1), 0))
	active, err := s.HasActiveIntent(ctx, "SPY", domain.OrderSideBuy, 1)
	require.NoError(t, err)
	assert.False(t, active)
	intents, err := s.ListActiveIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, intents)
}
