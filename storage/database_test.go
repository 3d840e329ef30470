package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/types"
)

func openTemp(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "polytrader.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func trade(id string, closed time.Time, profit int64) types.TradeRecord {
	return types.TradeRecord{
		ID:         id,
		Symbol:     "BTCUSDT",
		Strategy:   "trend",
		Direction:  types.Long,
		OpenedAt:   closed.Add(-time.Hour),
		ClosedAt:   closed,
		EntryPrice: decimal.NewFromInt(65000),
		ExitPrice:  decimal.NewFromInt(65500),
		Size:       decimal.NewFromInt(200),
		Leverage:   2,
		Profit:     decimal.NewFromInt(profit),
		Confidence: 0.7,
		Reason:     "TAKE_PROFIT",
		Tags: types.ContextTags{
			Hour:             9,
			DayOfWeek:        time.Monday,
			Session:          "europe",
			Direction:        types.Long,
			Regime:           "bull/normal",
			ConfidenceBucket: "mid",
		},
	}
}

func TestDisabledStoreIsNoop(t *testing.T) {
	db, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if db.IsEnabled() {
		t.Fatal("empty DSN should disable storage")
	}
	if err := db.AppendTrade(trade("a", t0, 1)); err != nil {
		t.Errorf("append on disabled store: %v", err)
	}
	if _, err := db.Trades(10); err != ErrDisabled {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}

func TestTradesAppendOnly(t *testing.T) {
	db := openTemp(t)

	for i, id := range []string{"a", "b", "c"} {
		if err := db.AppendTrade(trade(id, t0.Add(time.Duration(i)*time.Hour), int64(i*10-5))); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.AppendTrade(trade("a", t0, 99)); err == nil {
		t.Error("re-inserting a trade id should fail")
	}

	got, err := db.Trades(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("trades = %+v", got)
	}
	if !got[1].Profit.Equal(decimal.NewFromInt(15)) || got[1].Tags.Session != "europe" {
		t.Errorf("round trip lost fields: %+v", got[1])
	}
}

func TestAllocationAndCircuitEvents(t *testing.T) {
	db := openTemp(t)

	allocs := []types.StrategyAllocation{
		{StrategyID: "trend", Fraction: 0.6, CumulativePnL: decimal.NewFromInt(50), PeakPnL: decimal.NewFromInt(50), LastRebalance: t0},
		{StrategyID: "breakout", Fraction: 0.4, CumulativePnL: decimal.Zero, PeakPnL: decimal.Zero, LastRebalance: t0},
	}
	if err := db.AppendAllocations("scheduled", allocs); err != nil {
		t.Fatal(err)
	}
	allocs[0].Fraction = 0.5
	if err := db.AppendAllocations("allocation drift", allocs); err != nil {
		t.Fatal(err)
	}

	hist, err := db.AllocationHistory("trend")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].Fraction != 0.6 || hist[1].Fraction != 0.5 {
		t.Fatalf("history = %+v", hist)
	}

	if err := db.AppendCircuitEvent(CircuitEvent{Kind: CircuitTrip, Reason: "drawdown", Value: 0.16, At: t0}); err != nil {
		t.Fatal(err)
	}
	if err := db.AppendCircuitEvent(CircuitEvent{Kind: CircuitClear, Operator: "ops", At: t0.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	events, err := db.CircuitEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Kind != CircuitClear {
		t.Fatalf("events = %+v", events)
	}
}

func TestOpenPositionsSnapshot(t *testing.T) {
	db := openTemp(t)

	p := types.Position{
		ID:         "p1",
		Symbol:     "BTCUSDT",
		Strategy:   "trend",
		Direction:  types.Short,
		EntryPrice: decimal.NewFromInt(65000),
		Size:       decimal.NewFromInt(300),
		Leverage:   3,
		StopLoss:   decimal.NewFromInt(66300),
		TakeProfit: decimal.NewFromInt(62400),
		EntryTime:  t0,
	}
	if err := db.SavePosition(p); err != nil {
		t.Fatal(err)
	}
	got, err := db.OpenPositions()
	if err != nil || len(got) != 1 || got[0].Direction != types.Short || got[0].Leverage != 3 {
		t.Fatalf("positions = %+v, %v", got, err)
	}

	if err := db.DeletePosition("p1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.OpenPositions(); len(got) != 0 {
		t.Errorf("position not deleted: %+v", got)
	}
}
