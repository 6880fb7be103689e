package quote

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the number of fractional digits kept on every price.
const PriceDecimals = 2

type Candle struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// Series is the ordered candle sequence for one (symbol, timeframe) pair.
type Series struct {
	Symbol    string
	Timeframe Timeframe
	Candles   []Candle
}

func (s Series) Len() int {
	return len(s.Candles)
}

// Last returns the newest candle.
func (s Series) Last() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// Clone returns a deep copy so callers can hand series around without sharing
// the backing array.
func (s Series) Clone() Series {
	out := s
	if s.Candles != nil {
		out.Candles = append([]Candle(nil), s.Candles...)
	}
	return out
}

// Sorted reports whether the candles are non-decreasing by time.
func (s Series) Sorted() bool {
	for i := 1; i < len(s.Candles); i++ {
		if s.Candles[i].Time.Before(s.Candles[i-1].Time) {
			return false
		}
	}
	return true
}

// NewCandle rounds float prices from a provider to PriceDecimals.
func NewCandle(t time.Time, open, high, low, close float64, volume int64) Candle {
	return Candle{
		Time:   t,
		Open:   RoundPrice(decimal.NewFromFloat(open)),
		High:   RoundPrice(decimal.NewFromFloat(high)),
		Low:    RoundPrice(decimal.NewFromFloat(low)),
		Close:  RoundPrice(decimal.NewFromFloat(close)),
		Volume: clampVolume(volume),
	}
}

func RoundPrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(PriceDecimals)
}

func clampVolume(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Normalize sorts candles ascending by time (stable) and keeps the newest max
// points. A non-positive max keeps everything.
func Normalize(candles []Candle, max int) []Candle {
	out := append([]Candle(nil), candles...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
