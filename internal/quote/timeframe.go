package quote

import (
	"fmt"
	"strings"
	"time"
)

type Timeframe string

const (
	Timeframe1D Timeframe = "1D"
	Timeframe5D Timeframe = "5D"
	Timeframe1M Timeframe = "1M"
	Timeframe3M Timeframe = "3M"
)

type Granularity int

const (
	Intraday Granularity = iota
	Daily
)

func (g Granularity) String() string {
	if g == Intraday {
		return "intraday"
	}
	return "daily"
}

type timeframeProfile struct {
	granularity Granularity
	lookback    time.Duration
	maxPoints   int
	coarser     Timeframe
}

const day = 24 * time.Hour

// Ordered finest first.
var timeframes = []Timeframe{Timeframe1D, Timeframe5D, Timeframe1M, Timeframe3M}

var profiles = map[Timeframe]timeframeProfile{
	Timeframe1D: {granularity: Intraday, lookback: day, maxPoints: 78, coarser: Timeframe5D},
	Timeframe5D: {granularity: Daily, lookback: 5 * day, maxPoints: 5, coarser: Timeframe1M},
	Timeframe1M: {granularity: Daily, lookback: 30 * day, maxPoints: 30, coarser: Timeframe3M},
	Timeframe3M: {granularity: Daily, lookback: 90 * day, maxPoints: 90},
}

// Timeframes returns every supported timeframe, finest first.
func Timeframes() []Timeframe {
	return append([]Timeframe(nil), timeframes...)
}

func ParseTimeframe(raw string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(raw)))
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", raw)
	}
	return tf, nil
}

func (t Timeframe) Valid() bool {
	_, ok := profiles[t]
	return ok
}

func (t Timeframe) String() string {
	return string(t)
}

func (t Timeframe) Granularity() Granularity {
	return profiles[t].granularity
}

// Lookback is how far back a provider request for this timeframe reaches.
func (t Timeframe) Lookback() time.Duration {
	return profiles[t].lookback
}

func (t Timeframe) DefaultMaxPoints() int {
	return profiles[t].maxPoints
}

// IsFinest reports whether t is the finest granularity timeframe.
func (t Timeframe) IsFinest() bool {
	return t == timeframes[0]
}

// Coarser returns the next-coarser timeframe, false for the coarsest.
func (t Timeframe) Coarser() (Timeframe, bool) {
	next := profiles[t].coarser
	return next, next != ""
}

// Limits maps timeframes to their configured maximum point count.
type Limits map[Timeframe]int

func DefaultLimits() Limits {
	out := make(Limits, len(profiles))
	for tf, p := range profiles {
		out[tf] = p.maxPoints
	}
	return out
}

// Max falls back to the built-in default when no limit is configured.
func (l Limits) Max(tf Timeframe) int {
	if n, ok := l[tf]; ok && n > 0 {
		return n
	}
	return tf.DefaultMaxPoints()
}
