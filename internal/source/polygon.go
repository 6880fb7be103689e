package source

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ir-quote-feed/internal/config"
	"ir-quote-feed/internal/quote"

	"go.uber.org/zap"
)

const (
	polygonBaseURL = "https://api.polygon.io/v2"

	// 5 minute bars keep the intraday point cap comparable across providers.
	polygonIntradayMultiplier = 5
)

type Polygon struct {
	baseURL string
	apiKey  string
	limits  quote.Limits
	client  *client
	log     *zap.Logger
	now     func() time.Time
}

func NewPolygon(cfg config.SourceConfig, limits quote.Limits, log *zap.Logger) *Polygon {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = polygonBaseURL
	}
	return newPolygon(baseURL, cfg.APIKey, limits, newClient(nil, cfg.Timeout, log), log, time.Now)
}

func newPolygon(baseURL, apiKey string, limits quote.Limits, c *client, log *zap.Logger, now func() time.Time) *Polygon {
	if log == nil {
		log = zap.NewNop()
	}
	if limits == nil {
		limits = quote.DefaultLimits()
	}
	if now == nil {
		now = time.Now
	}
	return &Polygon{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		limits:  limits,
		client:  c,
		log:     log,
		now:     now,
	}
}

func (p *Polygon) Name() string { return NamePolygon }

type polygonAgg struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

type polygonResponse struct {
	Status       string       `json:"status"`
	Error        string       `json:"error"`
	Message      string       `json:"message"`
	ResultsCount int          `json:"resultsCount"`
	Results      []polygonAgg `json:"results"`
}

func (p *Polygon) Fetch(ctx context.Context, symbol string, tf quote.Timeframe) (quote.Series, error) {
	resp, err := p.client.get(ctx, p.aggsURL(symbol, tf))
	if err != nil {
		return quote.Series{}, &quote.RequestFailedError{Source: p.Name(), Status: resp.status, Err: err}
	}
	if resp.status == http.StatusTooManyRequests {
		return quote.Series{}, &quote.RateLimitedError{Source: p.Name(), Reason: strings.TrimSpace(resp.snippet())}
	}
	var payload polygonResponse
	decodeErr := json.Unmarshal(resp.body, &payload)
	if !resp.ok() {
		if decodeErr == nil && isPolygonLimitMessage(payload.Error, payload.Message) {
			return quote.Series{}, &quote.RateLimitedError{Source: p.Name(), Reason: firstNonEmpty(payload.Error, payload.Message)}
		}
		return quote.Series{}, &quote.RequestFailedError{Source: p.Name(), Status: resp.status, Body: strings.TrimSpace(resp.snippet())}
	}
	if decodeErr != nil {
		return quote.Series{}, &quote.RequestFailedError{Source: p.Name(), Status: resp.status, Err: decodeErr}
	}
	if strings.EqualFold(payload.Status, "ERROR") {
		reason := firstNonEmpty(payload.Error, payload.Message)
		if isPolygonLimitMessage(payload.Error, payload.Message) {
			return quote.Series{}, &quote.RateLimitedError{Source: p.Name(), Reason: reason}
		}
		return quote.Series{}, &quote.RequestFailedError{Source: p.Name(), Status: resp.status, Body: reason}
	}
	if len(payload.Results) == 0 {
		return quote.Series{}, &quote.EmptyResultError{Source: p.Name()}
	}
	candles := make([]quote.Candle, 0, len(payload.Results))
	for _, agg := range payload.Results {
		if agg.T <= 0 {
			continue
		}
		candles = append(candles, quote.NewCandle(
			time.UnixMilli(agg.T).UTC(),
			agg.O, agg.H, agg.L, agg.C,
			int64(math.Round(agg.V)),
		))
	}
	if len(candles) == 0 {
		return quote.Series{}, &quote.EmptyResultError{Source: p.Name()}
	}
	return quote.Series{
		Symbol:    symbol,
		Timeframe: tf,
		Candles:   quote.Normalize(candles, p.limits.Max(tf)),
	}, nil
}

func (p *Polygon) aggsURL(symbol string, tf quote.Timeframe) string {
	multiplier, span := 1, "day"
	if tf.Granularity() == quote.Intraday {
		multiplier, span = polygonIntradayMultiplier, "minute"
	}
	now := p.now().UTC()
	from := now.Add(-tf.Lookback()).Format(time.DateOnly)
	to := now.Format(time.DateOnly)
	params := url.Values{}
	params.Set("adjusted", "true")
	params.Set("sort", "asc")
	params.Set("apikey", p.apiKey)
	return fmt.Sprintf("%s/aggs/ticker/%s/range/%d/%s/%s/%s?%s",
		p.baseURL, url.PathEscape(symbol), multiplier, span, from, to, params.Encode())
}

func isPolygonLimitMessage(values ...string) bool {
	for _, v := range values {
		lower := strings.ToLower(v)
		if strings.Contains(lower, "exceeded the maximum requests") || strings.Contains(lower, "rate limit") {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
