// Package cache holds the last successful series per (symbol, timeframe) and
// serves it only inside a fixed validity window.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"ir-quote-feed/internal/quote"
	"ir-quote-feed/internal/state"

	"go.uber.org/zap"
)

const DefaultValidity = 30 * time.Minute

// Entry is read-only once written. Timeframe is the effective timeframe of the
// series, which differs from the key after a downgrade.
type Entry struct {
	Series     quote.Series
	Source     string
	Timeframe  quote.Timeframe
	CapturedAt time.Time
}

func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CapturedAt)
}

type key struct {
	symbol    string
	timeframe quote.Timeframe
}

func newKey(symbol string, tf quote.Timeframe) key {
	return key{symbol: strings.ToUpper(strings.TrimSpace(symbol)), timeframe: tf}
}

type Cache struct {
	mu       sync.RWMutex
	entries  map[key]Entry
	validity time.Duration
	now      func() time.Time
	store    state.Store
	log      *zap.Logger
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStore persists every write so a restart can serve still-valid entries.
func WithStore(store state.Store) Option {
	return func(c *Cache) {
		c.store = store
	}
}

func New(validity time.Duration, log *zap.Logger, opts ...Option) *Cache {
	if validity <= 0 {
		validity = DefaultValidity
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{
		entries:  make(map[key]Entry),
		validity: validity,
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Validity() time.Duration {
	return c.validity
}

// Write replaces the slot for (symbol, requested). Persistence failures are
// logged and never returned.
func (c *Cache) Write(ctx context.Context, symbol string, requested quote.Timeframe, series quote.Series, source string, effective quote.Timeframe) Entry {
	if effective == "" {
		effective = requested
	}
	stored := series.Clone()
	stored.Timeframe = effective
	entry := Entry{
		Series:     stored,
		Source:     source,
		Timeframe:  effective,
		CapturedAt: c.now(),
	}
	c.mu.Lock()
	c.entries[newKey(symbol, requested)] = entry
	c.mu.Unlock()

	if c.store != nil {
		snap := state.NewCacheSnapshot(newKey(symbol, requested).symbol, requested, stored, source, entry.CapturedAt)
		if err := state.SaveCacheSnapshot(ctx, c.store, snap); err != nil {
			c.log.Warn("cache persist failed", zap.String("symbol", symbol), zap.String("timeframe", requested.String()), zap.Error(err))
		}
	}
	return copyEntry(entry)
}

// Read returns the slot regardless of age.
func (c *Cache) Read(symbol string, tf quote.Timeframe) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[newKey(symbol, tf)]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	return copyEntry(entry), true
}

// IsValid is false for an empty slot and true iff the entry is younger than
// the validity window.
func (c *Cache) IsValid(symbol string, tf quote.Timeframe) bool {
	_, ok := c.Fresh(symbol, tf)
	return ok
}

func (c *Cache) Fresh(symbol string, tf quote.Timeframe) (Entry, bool) {
	entry, ok := c.Read(symbol, tf)
	if !ok {
		return Entry{}, false
	}
	if entry.Age(c.now()) >= c.validity {
		return Entry{}, false
	}
	return entry, true
}

// Restore loads persisted snapshots for symbol. Stale snapshots are loaded too;
// Fresh filters them at read time. It returns the number of slots restored.
func (c *Cache) Restore(ctx context.Context, symbol string, timeframes []quote.Timeframe) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	restored := 0
	for _, tf := range timeframes {
		snap, ok, err := state.LoadCacheSnapshot(ctx, c.store, symbol, tf)
		if err != nil {
			c.log.Warn("cache restore failed", zap.String("symbol", symbol), zap.String("timeframe", tf.String()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		series, err := snap.Series()
		if err != nil {
			c.log.Warn("cache snapshot invalid", zap.String("symbol", symbol), zap.String("timeframe", tf.String()), zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.entries[newKey(symbol, tf)] = Entry{
			Series:     series,
			Source:     snap.Source,
			Timeframe:  series.Timeframe,
			CapturedAt: snap.CapturedAt(),
		}
		c.mu.Unlock()
		restored++
	}
	if err := ctx.Err(); err != nil {
		return restored, err
	}
	return restored, nil
}

func copyEntry(e Entry) Entry {
	e.Series = e.Series.Clone()
	return e
}
