package liquidity

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"

	"gainscan/internal/retry"
	"gainscan/logger"
	"gainscan/models"
)

type fakeTickers struct {
	tickers []models.Ticker
	fails   int
	calls   int
}

func (f *fakeTickers) Tickers(context.Context) ([]models.Ticker, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, errors.New("timeout")
	}
	return f.tickers, nil
}

func newTestFilter(src TickerSource, order string) *Filter {
	log := logger.Logger()
	log.SetOutput(io.Discard)
	return NewFilter(src, order, log).WithPolicy(retry.Fixed(3, 0))
}

var snapshot = []models.Ticker{
	{Symbol: "ETHUSDT", QuoteVolume: 2_000_000},
	{Symbol: "LOWUSDT", QuoteVolume: 10},
	{Symbol: "BTCUSDT", QuoteVolume: 9_000_000},
	{Symbol: "EDGEUSDT", QuoteVolume: 1_000_000},
	{Symbol: "DELISTED", QuoteVolume: 5_000_000},
}

func TestLiquidSymbolsSnapshotOrder(t *testing.T) {
	f := newTestFilter(&fakeTickers{tickers: snapshot}, OrderSnapshot)
	got := f.LiquidSymbols(context.Background(), []string{"BTCUSDT", "EDGEUSDT", "ETHUSDT", "LOWUSDT"}, 1_000_000, 500)
	want := []string{"ETHUSDT", "BTCUSDT", "EDGEUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestLiquidSymbolsVolumeOrder(t *testing.T) {
	f := newTestFilter(&fakeTickers{tickers: snapshot}, OrderVolume)
	got := f.LiquidSymbols(context.Background(), []string{"BTCUSDT", "EDGEUSDT", "ETHUSDT"}, 1_000_000, 500)
	want := []string{"BTCUSDT", "ETHUSDT", "EDGEUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestLiquidSymbolsEmptyInput(t *testing.T) {
	src := &fakeTickers{tickers: snapshot}
	f := newTestFilter(src, OrderSnapshot)
	if got := f.LiquidSymbols(context.Background(), nil, 0, 10); len(got) != 0 {
		t.Fatalf("expected empty output, got %v", got)
	}
	if src.calls != 0 {
		t.Fatal("empty input must not fetch tickers")
	}
}

func TestLiquidSymbolsRecoversWithinRetries(t *testing.T) {
	src := &fakeTickers{tickers: snapshot, fails: 2}
	f := newTestFilter(src, OrderSnapshot)
	got := f.LiquidSymbols(context.Background(), []string{"BTCUSDT", "LOWUSDT"}, 1_000_000, 500)
	if src.calls != 3 || !reflect.DeepEqual(got, []string{"BTCUSDT"}) {
		t.Fatalf("calls=%d got=%v", src.calls, got)
	}
}

func TestLiquidSymbolsFallbackAfterThreeFailures(t *testing.T) {
	src := &fakeTickers{fails: 100}
	f := newTestFilter(src, OrderSnapshot)
	active := []string{"AUSDT", "BUSDT", "CUSDT", "DUSDT"}

	got := f.LiquidSymbols(context.Background(), active, 1_000_000, 2)
	if src.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", src.calls)
	}
	if !reflect.DeepEqual(got, []string{"AUSDT", "BUSDT"}) {
		t.Fatalf("unexpected fallback %v", got)
	}

	got[0] = "MUTATED"
	if active[0] != "AUSDT" {
		t.Fatal("fallback must not alias the input slice")
	}
}
