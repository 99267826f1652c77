package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/domain"
	"meridian/internal/events"
	"meridian/internal/marketdata"
	"meridian/internal/store"
)

func seedDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.RecordRun(ctx, store.Run{RunID: "run-abc", Mode: domain.ModePaper, StrategyID: "momentum", Symbols: []string{"SPY", "QQQ"}}))
	require.NoError(t, st.SaveIntendedOrder(ctx, "run-abc", domain.OrderRequest{Symbol: "SPY", Qty: 2, Side: domain.OrderSideBuy, OrderType: "market", ClientOrderID: "c-active"}, 0))
	require.NoError(t, st.SaveIntendedOrder(ctx, "run-abc", domain.OrderRequest{Symbol: "QQQ", Qty: 1.5, Side: domain.OrderSideSell, OrderType: "market", ClientOrderID: "c-done"}, 4))
	require.NoError(t, st.MarkSubmitted(ctx, "c-done", "b-77", "filled"))
	return path
}

func runCLI(t *testing.T, cmd string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), cmd, args, &out)
	return out.String(), err
}

func TestIntentsCommand(t *testing.T) {
	db := seedDB(t)

	out, err := runCLI(t, "intents", "-db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "CLIENT ORDER ID")
	assert.Contains(t, out, "c-active")
	assert.NotContains(t, out, "c-done")

	out, err = runCLI(t, "intents", "-db", db, "-all")
	require.NoError(t, err)
	assert.Contains(t, out, "c-active")
	assert.Contains(t, out, "c-done")
	assert.Contains(t, out, "b-77")
	assert.Contains(t, out, "1.5")
}

func TestIntentCommand(t *testing.T) {
	db := seedDB(t)

	out, err := runCLI(t, "intent", "-db", db, "c-done")
	require.NoError(t, err)
	assert.Contains(t, out, "filled")
	assert.Contains(t, out, "run-abc")

	_, err = runCLI(t, "intent", "-db", db, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = runCLI(t, "intent", "-db", db)
	assert.ErrorIs(t, err, errUsage)
}

func TestRunsCommand(t *testing.T) {
	out, err := runCLI(t, "runs", "-db", seedDB(t))
	require.NoError(t, err)
	assert.Contains(t, out, "run-abc")
	assert.Contains(t, out, "momentum")
	assert.Contains(t, out, "SPY,QQQ")
}

func TestMissingDatabase(t *testing.T) {
	_, err := runCLI(t, "intents", "-db", filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}

func TestEventsCommand(t *testing.T) {
	dir := t.TempDir()
	sink, err := events.NewJSONLSink(filepath.Join(dir, "run-1.jsonl"))
	require.NoError(t, err)
	ts := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Emit(events.Event{Time: ts, RunID: "run-1", Type: events.RunStarted, Payload: map[string]any{"broker": "backtest"}}))
	require.NoError(t, sink.Emit(events.Event{Time: ts, RunID: "run-1", Type: events.OrderSubmit, Payload: map[string]any{"symbol": "SPY", "qty": 3.0}}))
	require.NoError(t, sink.Close())

	out, err := runCLI(t, "events", filepath.Join(dir, "run-1.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, out, "run_started")
	assert.Contains(t, out, "qty=3 symbol=SPY")

	out, err = runCLI(t, "events", "-type", "order_submit", filepath.Join(dir, "run-1.jsonl"))
	require.NoError(t, err)
	assert.NotContains(t, out, "run_started")
	assert.Contains(t, out, "order_submit")
}

func TestLatestEventLog(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "a.jsonl")
	newer := filepath.Join(dir, "b.jsonl")
	require.NoError(t, os.WriteFile(older, []byte("\n"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("\n"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	got, err := latestEventLog(dir)
	require.NoError(t, err)
	assert.Equal(t, newer, got)

	_, err = latestEventLog(t.TempDir())
	assert.Error(t, err)
}

func TestImportBarsAndSymbols(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "spy.csv")
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := []domain.Bar{
		{Symbol: "SPY", Timestamp: start, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Symbol: "SPY", Timestamp: start.AddDate(0, 0, 1), Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 12},
	}
	require.NoError(t, marketdata.WriteCSVFile(csvPath, bars))

	archive := filepath.Join(dir, "archive")
	out, err := runCLI(t, "import-bars", "-data-dir", archive, csvPath)
	require.NoError(t, err)
	assert.Contains(t, out, "SPY: imported 2 bars (2024-03-01 .. 2024-03-02)")

	got, err := store.NewParquetStore(archive).ReadBars(context.Background(), "SPY", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[1].Close)

	out, err = runCLI(t, "symbols", "-data-dir", archive)
	require.NoError(t, err)
	assert.Equal(t, "SPY\n", out)
}

func TestUnknownCommand(t *testing.T) {
	_, err := runCLI(t, "frobnicate")
	assert.ErrorIs(t, err, errUsage)

	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "meridian-cli "+version+"\n", out)
}

func TestFetchInto(t *testing.T) {
	ctx := context.Background()
	ps := store.NewParquetStore(t.TempDir())
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ps.WriteBars(ctx, []domain.Bar{{Symbol: "QQQ", Timestamp: day, Close: 400}}))

	calls := map[string]int{}
	p := marketdata.ProviderFunc(func(_ context.Context, symbol string) ([]domain.Bar, error) {
		calls[symbol]++
		switch symbol {
		case "SPY":
			return []domain.Bar{
				{Symbol: "SPY", Timestamp: day, Close: 500},
				{Symbol: "SPY", Timestamp: day.AddDate(0, 0, 1), Close: 501},
			}, nil
		case "QQQ":
			return []domain.Bar{{Symbol: "QQQ", Timestamp: day.AddDate(0, 0, 1), Close: 401}}, nil
		case "EMPTY":
			return nil, nil
		}
		return nil, errors.New("boom")
	})

	var out bytes.Buffer
	err := fetchInto(ctx, p, ps, []string{"spy", "QQQ", "EMPTY", "BAD"}, false, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, marketdata.ErrNoBars, "first failure is reported")
	assert.Contains(t, out.String(), "SPY: archived 2 bars (2025-06-02 .. 2025-06-03)")
	assert.Contains(t, out.String(), "QQQ: already archived, skipping")
	assert.Contains(t, out.String(), "BAD: boom")
	assert.Zero(t, calls["QQQ"])

	syms, err := ps.ListSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"QQQ", "SPY"}, syms)

	out.Reset()
	require.NoError(t, fetchInto(ctx, p, ps, []string{"QQQ"}, true, &out))
	assert.Equal(t, 1, calls["QQQ"], "force refetches archived symbols")
	got, err := ps.ReadBars(ctx, "QQQ", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
