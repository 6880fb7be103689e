package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ir-quote-feed/internal/cache"
	"ir-quote-feed/internal/config"
	"ir-quote-feed/internal/quote"
	"ir-quote-feed/internal/source"

	"go.uber.org/zap"
)

func enabled() *bool {
	v := true
	return &v
}

func alphaVantageDaily(days int) string {
	var b strings.Builder
	b.WriteString(`{"Meta Data":{"2. Symbol":"ATON","5. Time Zone":"US/Eastern"},"Time Series (Daily)":{`)
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	for i := 0; i < days; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `"%s":{"1. open":"5.10","2. high":"5.40","3. low":"5.00","4. close":"5.%02d","5. volume":"1200"}`,
			start.AddDate(0, 0, i).Format(time.DateOnly), 20+i)
	}
	b.WriteString("}}")
	return b.String()
}

func newLiveSources(t *testing.T, av, pg http.HandlerFunc) []source.Registration {
	t.Helper()
	avSrv := httptest.NewServer(av)
	t.Cleanup(avSrv.Close)
	pgSrv := httptest.NewServer(pg)
	t.Cleanup(pgSrv.Close)
	avCfg := config.SourceConfig{BaseURL: avSrv.URL + "/query", APIKey: "av", Enabled: enabled(), Priority: 1, Timeout: time.Second}
	pgCfg := config.SourceConfig{BaseURL: pgSrv.URL + "/v2", APIKey: "pg", Enabled: enabled(), Priority: 2, Timeout: time.Second}
	return []source.Registration{
		{Descriptor: source.Descriptor{Name: source.NameAlphaVantage, Priority: 1, Enabled: true}, Source: source.NewAlphaVantage(avCfg, nil, zap.NewNop())},
		{Descriptor: source.Descriptor{Name: source.NamePolygon, Priority: 2, Enabled: true}, Source: source.NewPolygon(pgCfg, nil, zap.NewNop())},
	}
}

func failing(hits *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
}

func TestEndToEndPrimary429DowngradesToFivePoints(t *testing.T) {
	var avCalls, pgCalls atomic.Int32
	var functions []string
	regs := newLiveSources(t,
		func(w http.ResponseWriter, r *http.Request) {
			avCalls.Add(1)
			fn := r.URL.Query().Get("function")
			functions = append(functions, fn)
			if fn == "TIME_SERIES_INTRADAY" {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(alphaVantageDaily(12)))
		},
		failing(&pgCalls),
	)
	c := cache.New(30*time.Minute, zap.NewNop())
	o := New(regs, c, zap.NewNop())

	res, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe1D)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Series.Len() != 5 {
		t.Fatalf("expected 5 points, got %d", res.Series.Len())
	}
	if res.Source != source.NameAlphaVantage {
		t.Fatalf("expected primary source name, got %q", res.Source)
	}
	if !res.Downgraded || res.Timeframe != quote.Timeframe5D || res.Requested != quote.Timeframe1D {
		t.Fatalf("unexpected downgrade tagging: %+v", res)
	}
	if strings.Join(functions, ",") != "TIME_SERIES_INTRADAY,TIME_SERIES_DAILY" {
		t.Fatalf("expected exactly one coarser retry, got %v", functions)
	}
	if pgCalls.Load() != 0 {
		t.Fatalf("expected secondary never invoked")
	}
	entry, ok := c.Fresh("ATON", quote.Timeframe1D)
	if !ok || entry.Series.Len() != 5 || entry.Source != source.NameAlphaVantage {
		t.Fatalf("expected downgraded result cached, got ok=%v %+v", ok, entry)
	}
	last, _ := res.Series.Last()
	if last.Close.String() != "5.31" {
		t.Fatalf("expected newest close 5.31, got %s", last.Close)
	}
}

func TestEndToEndAllFailCacheTenMinutesOld(t *testing.T) {
	var avCalls, pgCalls atomic.Int32
	clock := &fakeClock{now: time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)}
	c := cache.New(30*time.Minute, zap.NewNop(), cache.WithClock(clock.Now))
	c.Write(context.Background(), "ATON", quote.Timeframe5D, makeSeries(quote.Timeframe5D, 5, false), source.NamePolygon, quote.Timeframe5D)
	clock.Advance(10 * time.Minute)

	o := New(newLiveSources(t, failing(&avCalls), failing(&pgCalls)), c, zap.NewNop())
	res, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe5D)
	if err != nil {
		t.Fatalf("expected cached series, got %v", err)
	}
	if res.Source != source.NamePolygon || !res.FromCache || res.Series.Len() != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if avCalls.Load() != 1 || pgCalls.Load() != 1 {
		t.Fatalf("expected each source tried once, got av=%d pg=%d", avCalls.Load(), pgCalls.Load())
	}
}

func TestEndToEndAllFailCacheFortyFiveMinutesOld(t *testing.T) {
	var avCalls, pgCalls atomic.Int32
	clock := &fakeClock{now: time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)}
	c := cache.New(30*time.Minute, zap.NewNop(), cache.WithClock(clock.Now))
	c.Write(context.Background(), "ATON", quote.Timeframe5D, makeSeries(quote.Timeframe5D, 5, false), source.NamePolygon, quote.Timeframe5D)
	clock.Advance(45 * time.Minute)

	o := New(newLiveSources(t, failing(&avCalls), failing(&pgCalls)), c, zap.NewNop())
	_, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe5D)
	if !errors.Is(err, quote.ErrAllSourcesExhausted) {
		t.Fatalf("expected ErrAllSourcesExhausted, got %v", err)
	}
}
