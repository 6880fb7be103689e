// Package demo generates clearly labelled synthetic quote series for tests and
// the verify command. It is not a quote source and has no Fetch method, so it
// cannot be registered in the fallback chain.
package demo

import (
	"math/rand"
	"time"

	"ir-quote-feed/internal/quote"
)

const (
	SourceName = "DEMO_DATA"
	BasePrice  = 5.31
)

type Generator struct {
	rng  *rand.Rand
	base float64
}

func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed)), base: BasePrice}
}

// Generate returns the timeframe's default point count ending just before now,
// as a random walk from BasePrice.
func (g *Generator) Generate(symbol string, tf quote.Timeframe, now time.Time) quote.Series {
	count := tf.DefaultMaxPoints()
	step := 24 * time.Hour
	if tf.Granularity() == quote.Intraday {
		step = 5 * time.Minute
	}
	price := g.base
	candles := make([]quote.Candle, 0, count)
	for i := 0; i < count; i++ {
		ts := now.Add(-time.Duration(count-i) * step).UTC()
		price += (g.rng.Float64() - 0.5) * 0.2
		if price < 0.01 {
			price = 0.01
		}
		open := price
		high := price + g.rng.Float64()*0.15
		low := price - g.rng.Float64()*0.15
		if low < 0 {
			low = 0
		}
		close := price + (g.rng.Float64()-0.5)*0.05
		if close > high {
			high = close
		}
		if close < low {
			low = close
		}
		volume := int64(g.rng.Intn(2_000_000)) + 100_000
		candles = append(candles, quote.NewCandle(ts, open, high, low, close, volume))
		price = close
	}
	return quote.Series{Symbol: symbol, Timeframe: tf, Candles: candles}
}
