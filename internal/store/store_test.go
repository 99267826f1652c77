package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"meridian/internal/domain"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	got := ps.barPath("aapl", 2024)
	want := filepath.Join("/data", "bars", "AAPL", "2024.parquet")
	if got != want {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", got, want)
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	bars := []domain.Bar{
		{
			Symbol:    "AAPL",
			Timestamp: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			Open:      185.5, High: 187.0, Low: 185.0, Close: 186.0,
			Volume: 45000000, TradeCount: 450000, VWAP: 185.75,
		},
		{
			Symbol:    "AAPL",
			Timestamp: time.Date(2023, 12, 29, 0, 0, 0, 0, time.UTC),
			Open:      193.9, High: 194.4, Low: 191.7, Close: 192.5,
			Volume: 42000000, TradeCount: 400000, VWAP: 193.0,
		},
		{
			Symbol:    "AAPL",
			Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Open:      185.0, High: 186.5, Low: 184.0, Close: 185.5,
			Volume: 50000000, TradeCount: 500000, VWAP: 185.25,
		},
	}

	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := ps.ReadBars(ctx, "AAPL", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ReadBars returned %d bars, want 3", len(got))
	}
	// Bars span two year files and must come back ascending.
	if got[0].Close != 192.5 || got[1].Close != 185.5 || got[2].Close != 186.0 {
		t.Errorf("bars not ascending: %v %v %v", got[0].Close, got[1].Close, got[2].Close)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err = ps.ReadBars(ctx, "AAPL", start, time.Time{})
	if err != nil {
		t.Fatalf("ReadBars (bounded): %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("bounded ReadBars returned %d bars, want 2", len(got))
	}
}

func TestParquetStoreMergeBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	if err := ps.WriteBars(ctx, []domain.Bar{{Symbol: "MSFT", Timestamp: ts, Close: 403.0}}); err != nil {
		t.Fatalf("WriteBars (first): %v", err)
	}
	if err := ps.WriteBars(ctx, []domain.Bar{{Symbol: "MSFT", Timestamp: ts, Close: 404.0}}); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}

	got, err := ps.ReadBars(ctx, "MSFT", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 1 || got[0].Close != 404.0 {
		t.Fatalf("merge kept %v, want single bar with close 404", got)
	}

	symbols, err := ps.ListSymbols(ctx)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(symbols) != 1 || symbols[0] != "MSFT" {
		t.Errorf("ListSymbols = %v, want [MSFT]", symbols)
	}
}

func TestParquetStoreMissingSymbol(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	got, err := ps.ReadBars(context.Background(), "NOPE", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no bars, got %d", len(got))
	}
}
