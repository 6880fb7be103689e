package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"ir-quote-feed/internal/quote"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string][]byte
}

func (m *memoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key string, value []byte) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string][]byte)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func TestCacheSnapshotRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	series := quote.Series{
		Symbol:    "ATON",
		Timeframe: quote.Timeframe5D,
		Candles: []quote.Candle{
			quote.NewCandle(base, 5.1, 5.2, 5.0, 5.15, 1000),
			quote.NewCandle(base.Add(24*time.Hour), 5.15, 5.4, 5.1, 5.31, 2200),
		},
	}
	captured := time.UnixMilli(1741617000000)
	snap := NewCacheSnapshot("ATON", quote.Timeframe1D, series, "POLYGON", captured)
	if err := SaveCacheSnapshot(ctx, store, snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if _, ok := store.items["cache:ATON:1D"]; !ok {
		t.Fatalf("expected snapshot stored under requested timeframe key")
	}

	got, ok, err := LoadCacheSnapshot(ctx, store, "ATON", quote.Timeframe1D)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to be present")
	}
	if got.Source != "POLYGON" || got.Effective != "5D" || !got.CapturedAt().Equal(captured) {
		t.Fatalf("unexpected snapshot header: %#v", got)
	}
	restored, err := got.Series()
	if err != nil {
		t.Fatalf("rebuild series: %v", err)
	}
	if restored.Timeframe != quote.Timeframe5D || restored.Len() != 2 {
		t.Fatalf("unexpected series: %#v", restored)
	}
	last, _ := restored.Last()
	if last.Close.String() != "5.31" || last.Volume != 2200 || !last.Time.Equal(base.Add(24*time.Hour)) {
		t.Fatalf("unexpected last candle: %#v", last)
	}
}

func TestCacheSnapshotMissing(t *testing.T) {
	store := &memoryStore{}
	_, ok, err := LoadCacheSnapshot(context.Background(), store, "ATON", quote.Timeframe1M)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if ok {
		t.Fatalf("expected snapshot to be missing")
	}
}

func TestCacheSnapshotNilStore(t *testing.T) {
	if err := SaveCacheSnapshot(context.Background(), nil, CacheSnapshot{Timeframe: "1D"}); err != nil {
		t.Fatalf("expected nil store to be a no-op, got %v", err)
	}
	if _, ok, err := LoadCacheSnapshot(context.Background(), nil, "ATON", quote.Timeframe1D); ok || err != nil {
		t.Fatalf("expected nil store to report missing")
	}
}

func TestCacheSnapshotCorruptPayload(t *testing.T) {
	store := &memoryStore{items: map[string][]byte{"cache:ATON:3M": []byte{0xc1}}}
	if _, _, err := LoadCacheSnapshot(context.Background(), store, "aton", quote.Timeframe3M); err == nil {
		t.Fatalf("expected decode error for corrupt payload")
	}
}
