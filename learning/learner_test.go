package learning

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/types"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

var tags = types.ContextTags{
	Hour:             15,
	DayOfWeek:        time.Monday,
	Session:          "us",
	Direction:        types.Long,
	Regime:           "bull/normal",
	ConfidenceBucket: "mid",
}

func trade(profit int64, i int) types.TradeRecord {
	return types.TradeRecord{
		ID:       "t",
		Profit:   decimal.NewFromInt(profit),
		ClosedAt: t0.Add(time.Duration(i) * time.Minute),
		Tags:     tags,
	}
}

func TestFirstOutcomeInitialisesExactly(t *testing.T) {
	cases := []struct {
		name   string
		profit int64
		want   float64
	}{
		{"win", 10, 1},
		{"loss", -10, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := New(DefaultConfig())
			l.Record(trade(tc.profit, 0))
			p, ok := l.Pattern("session", "us")
			if !ok {
				t.Fatal("pattern not created")
			}
			if p.WinRate != tc.want {
				t.Errorf("win rate = %v, want exactly %v", p.WinRate, tc.want)
			}
		})
	}
}

func TestEWMAUpdate(t *testing.T) {
	l := New(DefaultConfig())
	l.Record(trade(-1, 0))
	l.Record(trade(1, 1))
	l.Record(trade(1, 2))

	p, _ := l.Pattern("regime", "bull/normal")
	if math.Abs(p.WinRate-0.51) > 1e-12 {
		t.Errorf("EWMA = %v, want 0.51", p.WinRate)
	}
	if p.Samples != 3 || p.Wins != 2 || p.Losses != 1 {
		t.Errorf("counts = %+v", p)
	}
	if !p.UpdatedAt.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("updated at = %v", p.UpdatedAt)
	}
}

func TestAdaptedConfidence(t *testing.T) {
	cases := []struct {
		name    string
		profits []int64
		base    float64
		want    float64
	}{
		{"no history", nil, 0.6, 0.6},
		{"below min samples", []int64{1, 1, 1, 1}, 0.6, 0.6},
		{"not significant", []int64{1, 1, 1, -1, -1}, 0.6, 0.6},
		{"strong winner", []int64{1, 1, 1, 1, 1, 1}, 0.6, 0.9},
		{"strong loser", []int64{-1, -1, -1, -1, -1, -1}, 0.6, 0.35},
		{"clamped high", []int64{1, 1, 1, 1, 1, 1}, 0.9, 0.95},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := New(DefaultConfig())
			for i, p := range tc.profits {
				l.Record(trade(p, i))
			}
			got := l.AdaptedConfidence(tc.base, tags)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("confidence = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAdaptedConfidenceIgnoresOtherContexts(t *testing.T) {
	l := New(DefaultConfig())
	for i := 0; i < 8; i++ {
		l.Record(trade(1, i))
	}

	// Hour and day are filled, so only those two would match; both differ here.
	other := types.ContextTags{Hour: 3, DayOfWeek: time.Friday}
	if got := l.AdaptedConfidence(0.6, other); got != 0.6 {
		t.Errorf("confidence = %v, want untouched 0.6", got)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryCap = 3
	l := New(cfg)
	for i := 0; i < 5; i++ {
		l.Record(trade(int64(i+1), i))
	}

	h := l.History()
	if len(h) != 3 || l.Len() != 3 {
		t.Fatalf("history len = %d", len(h))
	}
	if !h[0].Profit.Equal(decimal.NewFromInt(3)) {
		t.Errorf("oldest retained profit = %s, want 3", h[0].Profit)
	}
	if r := l.Recent(2); len(r) != 2 || !r[1].Profit.Equal(decimal.NewFromInt(5)) {
		t.Errorf("recent = %+v", r)
	}

	// Pattern counts outlive eviction.
	p, _ := l.Pattern("direction", "long")
	if p.Samples != 5 {
		t.Errorf("samples = %d, want 5", p.Samples)
	}
}

func TestPatternsSnapshotSorted(t *testing.T) {
	l := New(DefaultConfig())
	l.Record(trade(1, 0))

	ps := l.Patterns()
	if len(ps) != len(tags.Pairs()) {
		t.Fatalf("patterns = %d, want %d", len(ps), len(tags.Pairs()))
	}
	for i := 1; i < len(ps); i++ {
		if ps[i-1].Tag > ps[i].Tag {
			t.Fatalf("not sorted: %s before %s", ps[i-1].Tag, ps[i].Tag)
		}
	}
}

func TestPosterior(t *testing.T) {
	p := PatternStat{Wins: 6}
	mean, std := p.Posterior()
	if math.Abs(mean-7.0/8.0) > 1e-12 {
		t.Errorf("mean = %v", mean)
	}
	if math.Abs(std-math.Sqrt(7.0/(64*9))) > 1e-12 {
		t.Errorf("std = %v", std)
	}
	if p.ZScore() < 1 {
		t.Errorf("z = %v, want significant", p.ZScore())
	}
}
