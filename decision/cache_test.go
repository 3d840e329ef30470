package decision

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/types"
)

func fingerprint(at time.Time, strategy string, price int64) Fingerprint {
	return NewFingerprint(at, time.Minute, "BTCUSDT", strategy, decimal.NewFromInt(price), decimal.NewFromInt(1000), 0)
}

func decisionFor(strategy string) types.Decision {
	return types.Decision{
		Symbol:   "BTCUSDT",
		Strategy: strategy,
		Result:   types.StageResult{Action: types.ActionBuy, Confidence: 0.7, Leverage: 1},
		Source:   types.SourcePipeline,
	}
}

func TestFingerprintKeys(t *testing.T) {
	a := fingerprint(t0, "trend", 65000)

	if a.Key() != fingerprint(t0.Add(10*time.Second), "trend", 65000).Key() {
		t.Error("same bucket should produce the same key")
	}
	if a.Key() == fingerprint(t0.Add(time.Minute), "trend", 65000).Key() {
		t.Error("next bucket should change the key")
	}
	if a.ContextKey() != fingerprint(t0.Add(time.Minute), "trend", 65000).ContextKey() {
		t.Error("context key should ignore the bucket")
	}
	if a.Key() == fingerprint(t0, "mean_revert", 65000).Key() {
		t.Error("strategy must be part of the key")
	}

	// length prefixes keep field boundaries distinct
	x := Fingerprint{Symbol: "AB", Strategy: "C"}
	y := Fingerprint{Symbol: "A", Strategy: "BC"}
	if x.Key() == y.Key() {
		t.Error("adjacent fields ran together")
	}
}

func TestCacheGet(t *testing.T) {
	c := NewCache(time.Hour, 10)
	fp := fingerprint(t0, "trend", 65000)
	c.Put(fp, decisionFor("trend"), t0)

	d, age, ok := c.Get(fp, t0.Add(20*time.Second))
	if !ok || d.Strategy != "trend" || age != 20*time.Second {
		t.Fatalf("get = %+v, %s, %v", d, age, ok)
	}
	if _, _, ok := c.Get(fingerprint(t0, "mean_revert", 65000), t0); ok {
		t.Error("different strategy must miss")
	}
}

func TestCacheTTL(t *testing.T) {
	c := NewCache(time.Minute, 10)
	fp := fingerprint(t0, "trend", 65000)
	c.Put(fp, decisionFor("trend"), t0)

	if _, _, ok := c.Get(fp, t0.Add(time.Minute)); !ok {
		t.Error("entry at exactly the TTL should still be served")
	}
	if _, _, ok := c.Get(fp, t0.Add(time.Minute+time.Second)); ok {
		t.Error("entry past the TTL should be gone")
	}
	if c.Len() != 0 {
		t.Errorf("len = %d after expiry", c.Len())
	}
}

func TestCacheCapacity(t *testing.T) {
	c := NewCache(time.Hour, 3)
	for i := int64(0); i < 5; i++ {
		c.Put(fingerprint(t0, "trend", 65000+i), decisionFor("trend"), t0)
	}

	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	for i := int64(0); i < 2; i++ {
		if _, _, ok := c.Get(fingerprint(t0, "trend", 65000+i), t0); ok {
			t.Errorf("oldest entry %d should have been evicted", i)
		}
	}
	if _, _, ok := c.Get(fingerprint(t0, "trend", 65004), t0); !ok {
		t.Error("newest entry missing")
	}
}

func TestCacheRePutSurvivesStaleSlot(t *testing.T) {
	c := NewCache(time.Hour, 2)
	fp := fingerprint(t0, "trend", 65000)

	c.Put(fp, decisionFor("trend"), t0)
	c.Put(fp, decisionFor("trend"), t0)
	// evicts the first slot, which no longer owns the entry
	c.Put(fingerprint(t0, "trend", 1), decisionFor("trend"), t0)

	if _, _, ok := c.Get(fp, t0); !ok {
		t.Error("re-put entry dropped by a stale slot")
	}
}

func TestCacheFresh(t *testing.T) {
	c := NewCache(time.Hour, 10)
	c.Put(fingerprint(t0, "trend", 65000), decisionFor("trend"), t0)

	cases := []struct {
		name  string
		after time.Duration
		price int64
		want  bool
	}{
		{"next bucket within max age", 50 * time.Second, 65000, true},
		{"at max age", 60 * time.Second, 65000, true},
		{"past max age", 61 * time.Second, 65000, false},
		{"different price", 10 * time.Second, 64000, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now := t0.Add(tc.after)
			_, _, ok := c.Fresh(fingerprint(now, "trend", tc.price), now, 60*time.Second)
			if ok != tc.want {
				t.Errorf("fresh = %v, want %v", ok, tc.want)
			}
		})
	}
}
