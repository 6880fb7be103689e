package state

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ir-quote-feed/internal/quote"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// CacheSnapshot is the persisted form of one cache slot.
type CacheSnapshot struct {
	Symbol       string           `msgpack:"symbol"`
	Timeframe    string           `msgpack:"timeframe"`
	Effective    string           `msgpack:"effective"`
	Source       string           `msgpack:"source"`
	CapturedAtMS int64            `msgpack:"captured_at_ms"`
	Candles      []CandleSnapshot `msgpack:"candles"`
}

// Prices are kept as decimal strings so they survive without float drift.
type CandleSnapshot struct {
	TimeMS int64  `msgpack:"t"`
	Open   string `msgpack:"o"`
	High   string `msgpack:"h"`
	Low    string `msgpack:"l"`
	Close  string `msgpack:"c"`
	Volume int64  `msgpack:"v"`
}

func CacheKey(symbol string, tf quote.Timeframe) string {
	return "cache:" + strings.ToUpper(strings.TrimSpace(symbol)) + ":" + tf.String()
}

func NewCacheSnapshot(symbol string, requested quote.Timeframe, series quote.Series, source string, capturedAt time.Time) CacheSnapshot {
	snap := CacheSnapshot{
		Symbol:       symbol,
		Timeframe:    requested.String(),
		Effective:    series.Timeframe.String(),
		Source:       source,
		CapturedAtMS: capturedAt.UnixMilli(),
		Candles:      make([]CandleSnapshot, 0, len(series.Candles)),
	}
	for _, c := range series.Candles {
		snap.Candles = append(snap.Candles, CandleSnapshot{
			TimeMS: c.Time.UnixMilli(),
			Open:   c.Open.String(),
			High:   c.High.String(),
			Low:    c.Low.String(),
			Close:  c.Close.String(),
			Volume: c.Volume,
		})
	}
	return snap
}

// Series rebuilds the candle series. Times come back in UTC.
func (s CacheSnapshot) Series() (quote.Series, error) {
	tf, err := quote.ParseTimeframe(s.Effective)
	if err != nil {
		return quote.Series{}, err
	}
	candles := make([]quote.Candle, 0, len(s.Candles))
	for i, c := range s.Candles {
		var prices [4]decimal.Decimal
		for j, raw := range []string{c.Open, c.High, c.Low, c.Close} {
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return quote.Series{}, fmt.Errorf("candle %d: %w", i, err)
			}
			prices[j] = d
		}
		candles = append(candles, quote.Candle{
			Time:   time.UnixMilli(c.TimeMS).UTC(),
			Open:   prices[0],
			High:   prices[1],
			Low:    prices[2],
			Close:  prices[3],
			Volume: c.Volume,
		})
	}
	return quote.Series{Symbol: s.Symbol, Timeframe: tf, Candles: candles}, nil
}

func (s CacheSnapshot) CapturedAt() time.Time {
	return time.UnixMilli(s.CapturedAtMS)
}

func LoadCacheSnapshot(ctx context.Context, store Store, symbol string, tf quote.Timeframe) (CacheSnapshot, bool, error) {
	if store == nil {
		return CacheSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, CacheKey(symbol, tf))
	if err != nil {
		return CacheSnapshot{}, false, err
	}
	if !ok || len(raw) == 0 {
		return CacheSnapshot{}, false, nil
	}
	var snapshot CacheSnapshot
	if err := msgpack.Unmarshal(raw, &snapshot); err != nil {
		return CacheSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveCacheSnapshot(ctx context.Context, store Store, snapshot CacheSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tf, err := quote.ParseTimeframe(snapshot.Timeframe)
	if err != nil {
		return err
	}
	payload, err := msgpack.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, CacheKey(snapshot.Symbol, tf), payload)
}
