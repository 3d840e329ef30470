package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/types"
)

func TestLevels(t *testing.T) {
	entry := decimal.NewFromInt(100)

	sl, tp := Levels(types.Long, entry, 2, 5)
	if !sl.Equal(decimal.NewFromInt(98)) || !tp.Equal(decimal.NewFromInt(105)) {
		t.Errorf("long levels = %s / %s", sl, tp)
	}

	sl, tp = Levels(types.Short, entry, 2, 5)
	if !sl.Equal(decimal.NewFromInt(102)) || !tp.Equal(decimal.NewFromInt(95)) {
		t.Errorf("short levels = %s / %s", sl, tp)
	}
}

func TestCheckExit(t *testing.T) {
	tm := NewTPSLManager(4 * time.Hour)

	newPos := func(dir types.Direction) *types.Position {
		sl, tp := Levels(dir, decimal.NewFromInt(100), 2, 5)
		return &types.Position{
			Direction:  dir,
			EntryPrice: decimal.NewFromInt(100),
			StopLoss:   sl,
			TakeProfit: tp,
			EntryTime:  t0,
		}
	}

	cases := []struct {
		name   string
		dir    types.Direction
		price  int64
		after  time.Duration
		reason string
	}{
		{"long tp", types.Long, 106, time.Minute, ExitTakeProfit},
		{"long sl", types.Long, 97, time.Minute, ExitStopLoss},
		{"long hold", types.Long, 101, time.Minute, ""},
		{"short tp", types.Short, 94, time.Minute, ExitTakeProfit},
		{"short sl", types.Short, 103, time.Minute, ExitStopLoss},
		{"max hold", types.Short, 99, 5 * time.Hour, ExitMaxHoldTime},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exit, reason, _ := tm.CheckExit(newPos(tc.dir), decimal.NewFromInt(tc.price), t0.Add(tc.after))
			if exit != (tc.reason != "") || reason != tc.reason {
				t.Errorf("exit=%v reason=%q, want %q", exit, reason, tc.reason)
			}
		})
	}
}

func TestTrailingStopRatchets(t *testing.T) {
	tm := NewTPSLManager(0)
	tm.EnableTrailing(0.05, 0.03)

	sl, tp := Levels(types.Long, decimal.NewFromInt(100), 2, 50)
	pos := &types.Position{Direction: types.Long, EntryPrice: decimal.NewFromInt(100), StopLoss: sl, TakeProfit: tp, EntryTime: t0}

	tm.CheckExit(pos, decimal.NewFromInt(110), t0)
	if !pos.StopLoss.Equal(decimal.NewFromFloat(106.7)) {
		t.Fatalf("stop = %s, want 106.7", pos.StopLoss)
	}

	// Pullback does not lower the stop.
	tm.CheckExit(pos, decimal.NewFromInt(108), t0)
	if !pos.StopLoss.Equal(decimal.NewFromFloat(106.7)) {
		t.Errorf("stop moved down to %s", pos.StopLoss)
	}
}
