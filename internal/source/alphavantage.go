package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"ir-quote-feed/internal/config"
	"ir-quote-feed/internal/quote"

	"go.uber.org/zap"
)

const (
	alphaVantageBaseURL = "https://www.alphavantage.co/query"

	avFunctionIntraday = "TIME_SERIES_INTRADAY"
	avFunctionDaily    = "TIME_SERIES_DAILY"
	avFunctionOverview = "OVERVIEW"
	avIntradayInterval = "5min"
)

type AlphaVantage struct {
	baseURL string
	apiKey  string
	limits  quote.Limits
	client  *client
	log     *zap.Logger
}

func NewAlphaVantage(cfg config.SourceConfig, limits quote.Limits, log *zap.Logger) *AlphaVantage {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = alphaVantageBaseURL
	}
	return newAlphaVantage(baseURL, cfg.APIKey, limits, newClient(nil, cfg.Timeout, log), log)
}

func newAlphaVantage(baseURL, apiKey string, limits quote.Limits, c *client, log *zap.Logger) *AlphaVantage {
	if log == nil {
		log = zap.NewNop()
	}
	if limits == nil {
		limits = quote.DefaultLimits()
	}
	return &AlphaVantage{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		limits:  limits,
		client:  c,
		log:     log,
	}
}

func (a *AlphaVantage) Name() string { return NameAlphaVantage }

type avBar struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

type avSeriesResponse struct {
	Meta         map[string]string `json:"Meta Data"`
	ErrorMessage string            `json:"Error Message"`
	Note         string            `json:"Note"`
	Information  string            `json:"Information"`
	Intraday     map[string]avBar  `json:"Time Series (5min)"`
	Daily        map[string]avBar  `json:"Time Series (Daily)"`
}

func (a *AlphaVantage) Fetch(ctx context.Context, symbol string, tf quote.Timeframe) (quote.Series, error) {
	function := avFunctionDaily
	if tf.Granularity() == quote.Intraday {
		function = avFunctionIntraday
	}
	params := url.Values{}
	params.Set("function", function)
	params.Set("symbol", symbol)
	params.Set("apikey", a.apiKey)
	params.Set("outputsize", "compact")
	if function == avFunctionIntraday {
		params.Set("interval", avIntradayInterval)
	}
	resp, err := a.client.get(ctx, a.baseURL+"?"+params.Encode())
	if err != nil {
		return quote.Series{}, &quote.RequestFailedError{Source: a.Name(), Status: resp.status, Err: err}
	}
	if err := a.classifyStatus(resp); err != nil {
		return quote.Series{}, err
	}
	var payload avSeriesResponse
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return quote.Series{}, &quote.RequestFailedError{Source: a.Name(), Status: resp.status, Err: err}
	}
	if err := a.classifyMarkers(payload.ErrorMessage, payload.Note, payload.Information, resp.status); err != nil {
		return quote.Series{}, err
	}
	bars := payload.Daily
	if function == avFunctionIntraday {
		bars = payload.Intraday
	}
	candles := parseAVBars(bars, avLocation(payload.Meta), a.log)
	if len(candles) == 0 {
		return quote.Series{}, &quote.EmptyResultError{Source: a.Name()}
	}
	return quote.Series{
		Symbol:    symbol,
		Timeframe: tf,
		Candles:   quote.Normalize(candles, a.limits.Max(tf)),
	}, nil
}

func (a *AlphaVantage) classifyStatus(resp response) error {
	if resp.status == http.StatusTooManyRequests {
		return &quote.RateLimitedError{Source: a.Name(), Reason: strings.TrimSpace(resp.snippet())}
	}
	if !resp.ok() {
		return &quote.RequestFailedError{Source: a.Name(), Status: resp.status, Body: strings.TrimSpace(resp.snippet())}
	}
	return nil
}

// classifyMarkers maps the in-body status fields Alpha Vantage returns with
// HTTP 200.
func (a *AlphaVantage) classifyMarkers(errorMessage, note, information string, status int) error {
	if errorMessage != "" {
		return &quote.RequestFailedError{Source: a.Name(), Status: status, Body: errorMessage}
	}
	if note != "" {
		a.log.Warn("alpha vantage rate limit hit", zap.String("note", note))
		return &quote.RateLimitedError{Source: a.Name(), Reason: note}
	}
	if information != "" {
		lower := strings.ToLower(information)
		if strings.Contains(lower, "rate limit") || strings.Contains(lower, "premium") {
			return &quote.RateLimitedError{Source: a.Name(), Reason: information}
		}
		a.log.Info("alpha vantage info message", zap.String("information", information))
	}
	return nil
}

func parseAVBars(bars map[string]avBar, loc *time.Location, log *zap.Logger) []quote.Candle {
	candles := make([]quote.Candle, 0, len(bars))
	for stamp, bar := range bars {
		ts, ok := parseAVTime(stamp, loc)
		if !ok {
			log.Debug("skipping bar with bad timestamp", zap.String("timestamp", stamp))
			continue
		}
		open, ok1 := floatFromString(bar.Open)
		high, ok2 := floatFromString(bar.High)
		low, ok3 := floatFromString(bar.Low)
		close, ok4 := floatFromString(bar.Close)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			log.Debug("skipping bar with bad prices", zap.String("timestamp", stamp))
			continue
		}
		volume, _ := intFromString(bar.Volume)
		candles = append(candles, quote.NewCandle(ts, open, high, low, close, volume))
	}
	return candles
}

func parseAVTime(raw string, loc *time.Location) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// avLocation reads the "N. Time Zone" entry of the meta block.
func avLocation(meta map[string]string) *time.Location {
	for key, val := range meta {
		if !strings.HasSuffix(key, "Time Zone") {
			continue
		}
		if loc, err := time.LoadLocation(strings.TrimSpace(val)); err == nil {
			return loc
		}
	}
	return time.UTC
}

// Overview is the subset of the company overview used by key metrics.
type Overview struct {
	Symbol               string
	Name                 string
	MarketCapitalization float64
	ReturnOnEquityTTM    float64
}

func (a *AlphaVantage) Overview(ctx context.Context, symbol string) (Overview, error) {
	params := url.Values{}
	params.Set("function", avFunctionOverview)
	params.Set("symbol", symbol)
	params.Set("apikey", a.apiKey)
	resp, err := a.client.get(ctx, a.baseURL+"?"+params.Encode())
	if err != nil {
		return Overview{}, &quote.RequestFailedError{Source: a.Name(), Status: resp.status, Err: err}
	}
	if err := a.classifyStatus(resp); err != nil {
		return Overview{}, err
	}
	var payload map[string]any
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return Overview{}, &quote.RequestFailedError{Source: a.Name(), Status: resp.status, Err: err}
	}
	if err := a.classifyMarkers(
		stringFromMap(payload, "Error Message"),
		stringFromMap(payload, "Note"),
		stringFromMap(payload, "Information"),
		resp.status,
	); err != nil {
		return Overview{}, err
	}
	if stringFromMap(payload, "Symbol") == "" {
		return Overview{}, &quote.EmptyResultError{Source: a.Name()}
	}
	out := Overview{
		Symbol: stringFromMap(payload, "Symbol"),
		Name:   stringFromMap(payload, "Name"),
	}
	out.MarketCapitalization, _ = floatFromAny(payload["MarketCapitalization"])
	out.ReturnOnEquityTTM, _ = floatFromAny(payload["ReturnOnEquityTTM"])
	return out, nil
}
