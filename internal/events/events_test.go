package events

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/domain"
)

func sample(t Type, payload map[string]any) Event {
	return Event{
		Time:       time.Date(2025, 2, 3, 15, 0, 0, 0, time.UTC),
		RunID:      "run-1",
		Mode:       domain.ModeBacktest,
		StrategyID: "sma_crossover",
		Type:       t,
		Payload:    payload,
	}
}

func TestJSONLSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "run-1", "events.jsonl")

	sink, err := NewJSONLSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Emit(sample(RunStarted, map[string]any{"symbols": []string{"SPY"}})))
	require.NoError(t, sink.Emit(sample(Decision, map[string]any{"symbol": "SPY", "target_qty": 2.5})))

	// Everything emitted is on disk before Close.
	got, err := ReadJSONL(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NoError(t, sink.Close())

	reopened, err := NewJSONLSink(path)
	require.NoError(t, err)
	require.NoError(t, reopened.Emit(sample(RunFinished, nil)))
	require.NoError(t, reopened.Close())

	got, err = ReadJSONL(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, RunStarted, got[0].Type)
	assert.Equal(t, 2.5, got[1].Payload["target_qty"])
	assert.Equal(t, domain.ModeBacktest, got[2].Mode)
	assert.Equal(t, "run-1", got[2].RunID)
}

func TestJSONLSinkEmitAfterClose(t *testing.T) {
	sink, err := NewJSONLSink(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.Error(t, sink.Emit(sample(Error, nil)))
	assert.NoError(t, sink.Close(), "double close is harmless")
}

type failingSink struct{ closed bool }

func (f *failingSink) Emit(Event) error { return errors.New("disk full") }
func (f *failingSink) Close() error     { f.closed = true; return nil }

func TestMultiSinkReachesEverySink(t *testing.T) {
	bad := &failingSink{}
	mem := &MemorySink{}
	multi := MultiSink{bad, mem}

	err := multi.Emit(sample(OrderUpdate, map[string]any{"status": "filled"}))
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, mem.Events(), 1, "a failing sink does not starve the others")

	require.NoError(t, multi.Close())
	assert.True(t, bad.closed)
	assert.True(t, mem.Closed())
}

func TestMemorySinkOfType(t *testing.T) {
	mem := &MemorySink{}
	_ = mem.Emit(sample(Decision, nil))
	_ = mem.Emit(sample(OrderSubmit, nil))
	_ = mem.Emit(sample(Decision, nil))

	assert.Len(t, mem.OfType(Decision), 2)
	assert.Len(t, mem.OfType(Error), 0)
}
