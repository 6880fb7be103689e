// Package display turns a candle series into the presentation model the page
// renders: a price readout and a line chart.
package display

import (
	"errors"
	"fmt"
	"time"

	"ir-quote-feed/internal/quote"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusEmpty   Status = "empty"
	StatusError   Status = "error"
)

type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
)

const (
	colorUp   = "#10b981"
	colorDown = "#ef4444"
	fillUp    = "rgba(16, 185, 129, 0.1)"
	fillDown  = "rgba(239, 68, 68, 0.1)"
)

// Sink receives every view a load produces.
type Sink interface {
	Publish(View)
}

type Readout struct {
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Positive      bool            `json:"positive"`
	PriceText     string          `json:"price_text"`
	ChangeText    string          `json:"change_text"`
	UpdatedText   string          `json:"updated_text"`
}

type Chart struct {
	Labels    []string  `json:"labels"`
	Prices    []float64 `json:"prices"`
	Trend     Trend     `json:"trend"`
	LineColor string    `json:"line_color"`
	FillColor string    `json:"fill_color"`
}

type Action struct {
	Label  string `json:"label"`
	Method string `json:"method"`
	Path   string `json:"path"`
}

type ErrorState struct {
	Message string   `json:"message"`
	Reason  string   `json:"reason"`
	Hints   []string `json:"hints,omitempty"`
	Retry   Action   `json:"retry"`
}

type View struct {
	Status    Status      `json:"status"`
	Symbol    string      `json:"symbol,omitempty"`
	Source    string      `json:"source,omitempty"`
	Timeframe string      `json:"timeframe,omitempty"`
	Cached    bool        `json:"cached,omitempty"`
	Readout   *Readout    `json:"readout,omitempty"`
	Chart     *Chart      `json:"chart,omitempty"`
	Error     *ErrorState `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

var hundred = decimal.NewFromInt(100)

// Render builds the ready view for series. It never panics: an empty series
// yields StatusEmpty and a single point compares against itself.
func Render(series quote.Series, sourceLabel, timeframeLabel string, now time.Time) View {
	view := View{
		Status:    StatusReady,
		Symbol:    series.Symbol,
		Source:    sourceLabel,
		Timeframe: timeframeLabel,
		UpdatedAt: now,
	}
	latest, ok := series.Last()
	if !ok {
		view.Status = StatusEmpty
		return view
	}
	previous := latest
	if n := series.Len(); n > 1 {
		previous = series.Candles[n-2]
	}
	view.Readout = readout(latest.Close, previous.Close, sourceLabel, now)
	view.Chart = chart(series)
	return view
}

func readout(price, previous decimal.Decimal, sourceLabel string, now time.Time) *Readout {
	change := price.Sub(previous)
	percent := decimal.Zero
	if !previous.IsZero() {
		percent = change.Div(previous).Mul(hundred)
	}
	r := &Readout{
		Price:         price.Round(quote.PriceDecimals),
		Change:        change.Round(quote.PriceDecimals),
		ChangePercent: percent.Round(2),
		Positive:      !change.IsNegative(),
		PriceText:     "$" + price.StringFixed(quote.PriceDecimals),
		ChangeText:    fmt.Sprintf("%s (%s%%)", signed(change), signed(percent)),
	}
	r.UpdatedText = fmt.Sprintf("Last updated: %s", now.Format("15:04:05"))
	if sourceLabel != "" {
		r.UpdatedText += fmt.Sprintf(" (via %s)", sourceLabel)
	}
	return r
}

func signed(d decimal.Decimal) string {
	fixed := d.StringFixed(2)
	if d.Round(2).IsNegative() {
		return fixed
	}
	return "+" + fixed
}

func chart(series quote.Series) *Chart {
	c := &Chart{
		Labels: make([]string, 0, series.Len()),
		Prices: make([]float64, 0, series.Len()),
	}
	layout := "Jan 2"
	if series.Timeframe.Granularity() == quote.Intraday {
		layout = "15:04"
	}
	for _, candle := range series.Candles {
		c.Labels = append(c.Labels, candle.Time.Format(layout))
		c.Prices = append(c.Prices, candle.Close.InexactFloat64())
	}
	first := series.Candles[0].Close
	last := series.Candles[len(series.Candles)-1].Close
	if last.GreaterThanOrEqual(first) {
		c.Trend, c.LineColor, c.FillColor = TrendUp, colorUp, fillUp
	} else {
		c.Trend, c.LineColor, c.FillColor = TrendDown, colorDown, fillDown
	}
	return c
}

// LoadingView is published when a load starts.
func LoadingView(symbol, timeframeLabel string, now time.Time) View {
	return View{Status: StatusLoading, Symbol: symbol, Timeframe: timeframeLabel, UpdatedAt: now}
}

// ErrorView is the user-visible failure state. It carries a manual retry
// action and never any substitute data.
func ErrorView(symbol, timeframeLabel string, err error, now time.Time) View {
	msg := fmt.Sprintf("Failed to load %s stock data", symbol)
	if symbol == "" {
		msg = "Failed to load stock data"
	}
	state := &ErrorState{
		Message: msg,
		Reason:  reason(err),
		Hints: []string{
			"Wait 5-10 minutes before retrying",
			"Check the service logs for errors",
			"Refresh the page",
		},
		Retry: Action{Label: "Retry", Method: "POST", Path: "/api/chart/retry"},
	}
	return View{
		Status:    StatusError,
		Symbol:    symbol,
		Timeframe: timeframeLabel,
		Error:     state,
		UpdatedAt: now,
	}
}

// reason keeps upstream error text (which may carry request URLs) off the page.
func reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, quote.ErrAllSourcesExhausted):
		return quote.ErrAllSourcesExhausted.Error()
	case quote.IsRateLimited(err):
		return "data provider rate limit reached"
	default:
		return "unexpected error while loading data"
	}
}
