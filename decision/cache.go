package decision

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/internal/ring"
	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DECISION CACHE - Fingerprinted, TTL + capacity bounded
// ═══════════════════════════════════════════════════════════════════════════════

// Key is a fixed-width digest of a fingerprint
type Key [sha256.Size]byte

// Fingerprint is the market and portfolio context a decision was made in
type Fingerprint struct {
	Bucket        int64 // unix time / bucket width
	Symbol        string
	Strategy      string
	Price         decimal.Decimal
	Balance       decimal.Decimal
	OpenPositions int
}

// NewFingerprint buckets now and captures the context
func NewFingerprint(now time.Time, bucket time.Duration, symbol, strategy string, price, balance decimal.Decimal, open int) Fingerprint {
	b := now.Unix()
	if secs := int64(bucket / time.Second); secs > 0 {
		b = b / secs
	}
	return Fingerprint{
		Bucket:        b,
		Symbol:        symbol,
		Strategy:      strategy,
		Price:         price,
		Balance:       balance,
		OpenPositions: open,
	}
}

// Key hashes every field, including the time bucket
func (f Fingerprint) Key() Key {
	return f.digest(true)
}

// ContextKey hashes everything but the time bucket
func (f Fingerprint) ContextKey() Key {
	return f.digest(false)
}

func (f Fingerprint) digest(withBucket bool) Key {
	h := sha256.New()
	var buf [8]byte

	if withBucket {
		binary.BigEndian.PutUint64(buf[:], uint64(f.Bucket))
		h.Write(buf[:])
	}
	writeField(h, f.Symbol)
	writeField(h, f.Strategy)
	writeField(h, f.Price.String())
	writeField(h, f.Balance.String())
	binary.BigEndian.PutUint64(buf[:], uint64(f.OpenPositions))
	h.Write(buf[:])

	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// writeField length-prefixes s so adjacent fields cannot run together
func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

type entry struct {
	decision types.Decision
	context  Key
	storedAt time.Time
	seq      uint64
}

type slot struct {
	key Key
	at  time.Time
	seq uint64
}

// Cache holds recent successful decisions
type Cache struct {
	mu sync.Mutex

	ttl     time.Duration
	seq     uint64
	entries map[Key]*entry
	latest  map[Key]Key // context key -> newest full key
	order   *ring.Buffer[slot]
}

// NewCache creates a cache with a storage TTL and a capacity bound
func NewCache(ttl time.Duration, capacity int) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[Key]*entry),
		latest:  make(map[Key]Key),
		order:   ring.New[slot](capacity),
	}
}

// Put stores a decision under its fingerprint
func (c *Cache) Put(fp Fingerprint, d types.Decision, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expire(now)

	key := fp.Key()
	ctxKey := fp.ContextKey()
	c.seq++
	c.entries[key] = &entry{decision: d, context: ctxKey, storedAt: now, seq: c.seq}
	c.latest[ctxKey] = key

	if old, evicted := c.order.Push(slot{key: key, at: now, seq: c.seq}); evicted {
		c.drop(old)
	}
}

// Get returns the decision stored under exactly this fingerprint
func (c *Cache) Get(fp Fingerprint, now time.Time) (types.Decision, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expire(now)

	e, ok := c.entries[fp.Key()]
	if !ok {
		return types.Decision{}, 0, false
	}
	return e.decision, now.Sub(e.storedAt), true
}

// Fresh returns the newest decision for the same context, ignoring the time
// bucket, if it is no older than maxAge
func (c *Cache) Fresh(fp Fingerprint, now time.Time, maxAge time.Duration) (types.Decision, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expire(now)

	key, ok := c.latest[fp.ContextKey()]
	if !ok {
		return types.Decision{}, 0, false
	}
	e, ok := c.entries[key]
	if !ok {
		return types.Decision{}, 0, false
	}
	age := now.Sub(e.storedAt)
	if age > maxAge {
		return types.Decision{}, age, false
	}
	return e.decision, age, true
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// expire pops slots older than the TTL
func (c *Cache) expire(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	for {
		s, ok := c.order.Oldest()
		if !ok || now.Sub(s.at) <= c.ttl {
			return
		}
		c.order.PopOldest()
		c.drop(s)
	}
}

// drop removes the entry a slot refers to, unless it was re-put since
func (c *Cache) drop(s slot) {
	e, ok := c.entries[s.key]
	if !ok || e.seq != s.seq {
		return
	}
	delete(c.entries, s.key)
	if c.latest[e.context] == s.key {
		delete(c.latest, e.context)
	}
}
