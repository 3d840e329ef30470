package risk

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/types"
)

func baseInput() SizingInput {
	return SizingInput{
		WinRate:    0.6,
		AvgWin:     100,
		AvgLoss:    -50,
		Wins:       18,
		Losses:     12,
		Confidence: 0.675,
		Balance:    decimal.NewFromInt(1000),
	}
}

func TestSizeKellyComposition(t *testing.T) {
	s := NewSizer(DefaultSizerConfig())

	// f = 0.6 - 0.4/2 = 0.4; x0.5 = 0.2; confidence factor 0.95 -> 0.19
	res := s.Size(baseInput())
	if res.Veto {
		t.Fatal("unexpected veto")
	}
	if math.Abs(res.Kelly-0.4) > 1e-9 {
		t.Errorf("kelly = %f, want 0.4", res.Kelly)
	}
	if math.Abs(res.Fraction-0.19) > 1e-9 {
		t.Errorf("fraction = %f, want 0.19", res.Fraction)
	}
	if !res.Notional.Sub(decimal.NewFromInt(190)).Abs().LessThan(decimal.NewFromFloat(1e-6)) {
		t.Errorf("notional = %s, want 190", res.Notional)
	}
}

func TestSizeDegenerateInputsReturnZero(t *testing.T) {
	s := NewSizer(DefaultSizerConfig())

	cases := []struct {
		name   string
		mutate func(*SizingInput)
	}{
		{"win rate zero", func(in *SizingInput) { in.WinRate = 0 }},
		{"win rate one", func(in *SizingInput) { in.WinRate = 1 }},
		{"win rate negative", func(in *SizingInput) { in.WinRate = -0.2 }},
		{"win rate above one", func(in *SizingInput) { in.WinRate = 1.5 }},
		{"win rate NaN", func(in *SizingInput) { in.WinRate = math.NaN() }},
		{"avg win zero", func(in *SizingInput) { in.AvgWin = 0 }},
		{"avg win negative", func(in *SizingInput) { in.AvgWin = -10 }},
		{"avg loss zero", func(in *SizingInput) { in.AvgLoss = 0 }},
		{"avg loss epsilon", func(in *SizingInput) { in.AvgLoss = -1e-12 }},
		{"avg loss positive", func(in *SizingInput) { in.AvgLoss = 5 }},
		{"avg loss inf", func(in *SizingInput) { in.AvgLoss = math.Inf(-1) }},
		{"no samples", func(in *SizingInput) { in.Wins, in.Losses, in.WinRate = 0, 0, 0 }},
		{"zero balance", func(in *SizingInput) { in.Balance = decimal.Zero }},
		{"negative edge", func(in *SizingInput) { in.WinRate = 0.2 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := baseInput()
			tc.mutate(&in)
			res := s.Size(in)
			if res.Veto {
				t.Fatal("degenerate statistics must not veto")
			}
			if !res.Notional.IsZero() {
				t.Errorf("notional = %s, want 0", res.Notional)
			}
			if math.IsNaN(res.Fraction) || res.Fraction < 0 {
				t.Errorf("fraction = %f, want non-negative number", res.Fraction)
			}
		})
	}
}

func TestSizeLossesOnlyVetoes(t *testing.T) {
	s := NewSizer(DefaultSizerConfig())
	in := baseInput()
	in.Wins, in.Losses, in.WinRate, in.AvgWin = 0, 7, 0, 0

	res := s.Size(in)
	if !res.Veto {
		t.Fatal("losses-only history must veto")
	}
	if !res.Notional.IsZero() {
		t.Errorf("veto notional = %s, want 0", res.Notional)
	}
}

func TestSizeWinsOnlyUsesSyntheticLoss(t *testing.T) {
	s := NewSizer(DefaultSizerConfig())
	in := baseInput()
	in.Wins, in.Losses, in.WinRate, in.AvgLoss = 5, 0, 1, 0
	in.Confidence = 0.95

	res := s.Size(in)
	if res.Veto || !res.Notional.IsPositive() {
		t.Fatalf("wins-only should size a positive amount, got %+v", res)
	}

	// W = 5/6, R = 10 -> f = 0.81667, blended (5 < 20 samples) -> 0.259
	wantKelly := 0.3*(5.0/6.0-(1.0/6.0)/10) + 0.7*0.02
	if math.Abs(res.Kelly-wantKelly) > 1e-9 {
		t.Errorf("kelly = %f, want %f", res.Kelly, wantKelly)
	}
	if res.Notional.GreaterThan(decimal.NewFromInt(500)) {
		t.Errorf("notional %s above hard ceiling", res.Notional)
	}
}

func TestSizeSmallSampleBlend(t *testing.T) {
	s := NewSizer(DefaultSizerConfig())
	in := baseInput()
	in.Wins, in.Losses = 6, 4

	res := s.Size(in)
	want := 0.3*0.4 + 0.7*0.02
	if math.Abs(res.Kelly-want) > 1e-9 {
		t.Errorf("blended kelly = %f, want %f", res.Kelly, want)
	}
}

func TestSizeConfidenceAndVolatilitySurviveCorrelation(t *testing.T) {
	s := NewSizer(DefaultSizerConfig())

	size := func(conf, vol float64, open int) float64 {
		in := baseInput()
		in.Confidence = conf
		in.Volatility = vol
		in.OpenPositions = open
		return s.Size(in).Fraction
	}

	for _, open := range []int{0, 2, 5} {
		low := size(0.4, 0, open)
		high := size(0.95, 0, open)
		if math.Abs(high/low-1.2/0.7) > 1e-9 {
			t.Errorf("open=%d: confidence ratio %f, want %f", open, high/low, 1.2/0.7)
		}

		calm := size(0.675, 0, open)
		wild := size(0.675, 0.05, open)
		if math.Abs(wild/calm-1/1.5) > 1e-9 {
			t.Errorf("open=%d: volatility ratio %f, want %f", open, wild/calm, 1/1.5)
		}
	}
}

func TestSizeCorrelationSquareRootRule(t *testing.T) {
	s := NewSizer(DefaultSizerConfig())

	in := baseInput()
	base := s.Size(in).Fraction

	for _, n := range []int{0, 1, 3, 8} {
		in.OpenPositions = n
		got := s.Size(in).Fraction
		want := base / math.Sqrt(float64(n+1))
		if math.Abs(got-want) > 1e-12 {
			t.Errorf("N=%d: fraction %f, want %f", n, got, want)
		}
	}
}

func TestSizeHardCeiling(t *testing.T) {
	s := NewSizer(DefaultSizerConfig())
	in := SizingInput{
		WinRate:    0.9,
		AvgWin:     100,
		AvgLoss:    -10,
		Wins:       90,
		Losses:     10,
		Confidence: 0.95,
		Balance:    decimal.NewFromInt(1000),
	}

	res := s.Size(in)
	if !res.Notional.Equal(decimal.NewFromInt(500)) {
		t.Errorf("notional = %s, want capped 500", res.Notional)
	}
}

func TestCapSuggested(t *testing.T) {
	s := NewSizer(DefaultSizerConfig())
	balance := decimal.NewFromInt(1000)

	if got := s.CapSuggested(200, balance); !got.Equal(decimal.NewFromInt(200)) {
		t.Errorf("CapSuggested(200) = %s", got)
	}
	if got := s.CapSuggested(900, balance); !got.Equal(decimal.NewFromInt(500)) {
		t.Errorf("CapSuggested(900) = %s, want 500", got)
	}
	if got := s.CapSuggested(-1, balance); !got.IsZero() {
		t.Errorf("CapSuggested(-1) = %s, want 0", got)
	}
	if got := s.CapSuggested(math.NaN(), balance); !got.IsZero() {
		t.Errorf("CapSuggested(NaN) = %s, want 0", got)
	}
}

func TestStatsFromTrades(t *testing.T) {
	profits := []int64{-100, 50, 30, 0, -20, 40}
	trades := make([]types.TradeRecord, len(profits))
	for i, p := range profits {
		trades[i] = types.TradeRecord{Profit: decimal.NewFromInt(p)}
	}

	st := StatsFromTrades(trades, 5) // drops the -100
	if st.Wins != 3 || st.Losses != 1 {
		t.Fatalf("wins/losses = %d/%d, want 3/1", st.Wins, st.Losses)
	}
	if math.Abs(st.WinRate-0.75) > 1e-9 {
		t.Errorf("win rate = %f, want 0.75", st.WinRate)
	}
	if math.Abs(st.AvgWin-40) > 1e-9 {
		t.Errorf("avg win = %f, want 40", st.AvgWin)
	}
	if math.Abs(st.AvgLoss+20) > 1e-9 {
		t.Errorf("avg loss = %f, want -20", st.AvgLoss)
	}

	in := st.Input(0.7, 2, decimal.NewFromInt(100), 0.01)
	if in.Samples() != 4 || in.OpenPositions != 2 {
		t.Errorf("input = %+v", in)
	}
}
