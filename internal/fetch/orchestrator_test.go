package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ir-quote-feed/internal/cache"
	"ir-quote-feed/internal/metrics"
	"ir-quote-feed/internal/quote"
	"ir-quote-feed/internal/source"

	"go.uber.org/zap"
)

type call struct {
	symbol string
	tf     quote.Timeframe
}

// scriptedSource answers per timeframe; a missing entry is a request failure.
type scriptedSource struct {
	name      string
	mu        sync.Mutex
	calls     []call
	responses map[quote.Timeframe]func() (quote.Series, error)
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) Fetch(_ context.Context, symbol string, tf quote.Timeframe) (quote.Series, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{symbol: symbol, tf: tf})
	s.mu.Unlock()
	if fn, ok := s.responses[tf]; ok {
		return fn()
	}
	return quote.Series{}, &quote.RequestFailedError{Source: s.name, Status: http.StatusInternalServerError}
}

func (s *scriptedSource) Calls() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

func ok(tf quote.Timeframe, n int) func() (quote.Series, error) {
	return func() (quote.Series, error) { return makeSeries(tf, n, false), nil }
}

func rateLimited(name string) func() (quote.Series, error) {
	return func() (quote.Series, error) {
		return quote.Series{}, &quote.RateLimitedError{Source: name, Reason: "Thank you for using Alpha Vantage!"}
	}
}

func makeSeries(tf quote.Timeframe, n int, descending bool) quote.Series {
	base := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	step := 24 * time.Hour
	if tf == quote.Timeframe1D {
		step = 5 * time.Minute
	}
	candles := make([]quote.Candle, 0, n)
	for i := 0; i < n; i++ {
		idx := i
		if descending {
			idx = n - 1 - i
		}
		p := 5 + float64(idx)/100
		candles = append(candles, quote.NewCandle(base.Add(time.Duration(idx)*step), p, p+0.05, p-0.05, p, 1000))
	}
	return quote.Series{Symbol: "ATON", Timeframe: tf, Candles: candles}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func reg(src source.Source, priority int) source.Registration {
	return source.Registration{
		Descriptor: source.Descriptor{Name: src.Name(), Priority: priority, Enabled: true},
		Source:     src,
	}
}

type recordingArchiver struct {
	mu     sync.Mutex
	series []quote.Series
	names  []string
}

func (r *recordingArchiver) EnqueueSeries(series quote.Series, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series = append(r.series, series)
	r.names = append(r.names, name)
}

func TestShortCircuitOnFirstSuccess(t *testing.T) {
	a := &scriptedSource{name: "A", responses: map[quote.Timeframe]func() (quote.Series, error){quote.Timeframe1M: ok(quote.Timeframe1M, 30)}}
	b := &scriptedSource{name: "B", responses: map[quote.Timeframe]func() (quote.Series, error){quote.Timeframe1M: ok(quote.Timeframe1M, 30)}}
	c := cache.New(30*time.Minute, zap.NewNop())
	o := New([]source.Registration{reg(b, 2), reg(a, 1)}, c, zap.NewNop())

	res, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe1M)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Source != "A" || res.FromCache || res.Downgraded {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(b.Calls()) != 0 {
		t.Fatalf("expected source B never invoked, got %d calls", len(b.Calls()))
	}
	if !c.IsValid("ATON", quote.Timeframe1M) {
		t.Fatalf("expected successful fetch to be cached")
	}
}

func TestFallsThroughToNextSource(t *testing.T) {
	a := &scriptedSource{name: "A"}
	b := &scriptedSource{name: "B", responses: map[quote.Timeframe]func() (quote.Series, error){quote.Timeframe5D: ok(quote.Timeframe5D, 5)}}
	o := New([]source.Registration{reg(a, 1), reg(b, 2)}, cache.New(30*time.Minute, zap.NewNop()), zap.NewNop())

	res, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe5D)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Source != "B" || res.Series.Len() != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(a.Calls()) != 1 {
		t.Fatalf("expected exactly one call to A, got %d", len(a.Calls()))
	}
}

func TestSeriesSortedAndBounded(t *testing.T) {
	for _, tf := range quote.Timeframes() {
		tf := tf
		t.Run(tf.String(), func(t *testing.T) {
			src := &scriptedSource{name: "A", responses: map[quote.Timeframe]func() (quote.Series, error){
				tf: func() (quote.Series, error) { return makeSeries(tf, 200, true), nil },
			}}
			o := New([]source.Registration{reg(src, 1)}, cache.New(30*time.Minute, zap.NewNop()), zap.NewNop())
			res, err := o.FetchSeries(context.Background(), "ATON", tf)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if !res.Series.Sorted() {
				t.Fatalf("series not ascending")
			}
			if res.Series.Len() != tf.DefaultMaxPoints() {
				t.Fatalf("expected %d points, got %d", tf.DefaultMaxPoints(), res.Series.Len())
			}
			last, _ := res.Series.Last()
			if !last.Time.Equal(makeSeries(tf, 200, false).Candles[199].Time) {
				t.Fatalf("expected newest point kept, got %v", last.Time)
			}
		})
	}
}

func TestConfiguredLimitsApplied(t *testing.T) {
	src := &scriptedSource{name: "A", responses: map[quote.Timeframe]func() (quote.Series, error){quote.Timeframe3M: ok(quote.Timeframe3M, 90)}}
	limits := quote.DefaultLimits()
	limits[quote.Timeframe3M] = 60
	o := New([]source.Registration{reg(src, 1)}, cache.New(30*time.Minute, zap.NewNop()), zap.NewNop(), WithLimits(limits))
	res, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe3M)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Series.Len() != 60 {
		t.Fatalf("expected 60 points, got %d", res.Series.Len())
	}
}

func TestRateLimitDowngradeRetriesOnce(t *testing.T) {
	primary := &scriptedSource{name: "A", responses: map[quote.Timeframe]func() (quote.Series, error){
		quote.Timeframe1D: rateLimited("A"),
		quote.Timeframe5D: rateLimited("A"),
	}}
	secondary := &scriptedSource{name: "B", responses: map[quote.Timeframe]func() (quote.Series, error){quote.Timeframe1D: ok(quote.Timeframe1D, 78)}}
	o := New([]source.Registration{reg(primary, 1), reg(secondary, 2)}, cache.New(30*time.Minute, zap.NewNop()), zap.NewNop())

	res, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe1D)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	calls := primary.Calls()
	if len(calls) != 2 || calls[0].tf != quote.Timeframe1D || calls[1].tf != quote.Timeframe5D {
		t.Fatalf("expected 1D then one 5D call on primary, got %+v", calls)
	}
	if res.Source != "B" || res.Timeframe != quote.Timeframe1D || res.Downgraded {
		t.Fatalf("expected fall-through to B at 1D, got %+v", res)
	}
}

func TestNoDowngradeForSecondarySource(t *testing.T) {
	primary := &scriptedSource{name: "A"}
	secondary := &scriptedSource{name: "B", responses: map[quote.Timeframe]func() (quote.Series, error){
		quote.Timeframe1D: rateLimited("B"),
		quote.Timeframe5D: ok(quote.Timeframe5D, 5),
	}}
	o := New([]source.Registration{reg(primary, 1), reg(secondary, 2)}, cache.New(30*time.Minute, zap.NewNop()), zap.NewNop())

	_, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe1D)
	if !errors.Is(err, quote.ErrAllSourcesExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if calls := secondary.Calls(); len(calls) != 1 {
		t.Fatalf("expected no downgrade on secondary source, got %+v", calls)
	}
}

func TestNoDowngradeAtCoarserTimeframe(t *testing.T) {
	primary := &scriptedSource{name: "A", responses: map[quote.Timeframe]func() (quote.Series, error){
		quote.Timeframe5D: rateLimited("A"),
		quote.Timeframe1M: ok(quote.Timeframe1M, 30),
	}}
	o := New([]source.Registration{reg(primary, 1)}, cache.New(30*time.Minute, zap.NewNop()), zap.NewNop())
	if _, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe5D); err == nil {
		t.Fatalf("expected failure without downgrade")
	}
	if calls := primary.Calls(); len(calls) != 1 {
		t.Fatalf("expected a single call, got %+v", calls)
	}
}

func TestNoDowngradeForGenericFailure(t *testing.T) {
	primary := &scriptedSource{name: "A"}
	o := New([]source.Registration{reg(primary, 1)}, cache.New(30*time.Minute, zap.NewNop()), zap.NewNop())
	if _, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe1D); err == nil {
		t.Fatalf("expected failure")
	}
	if calls := primary.Calls(); len(calls) != 1 {
		t.Fatalf("expected a single call, got %+v", calls)
	}
}

func TestCacheServedWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)}
	c := cache.New(30*time.Minute, zap.NewNop(), cache.WithClock(clock.Now))
	c.Write(context.Background(), "ATON", quote.Timeframe5D, makeSeries(quote.Timeframe5D, 5, false), "POLYGON", quote.Timeframe5D)
	clock.Advance(10 * time.Minute)

	a := &scriptedSource{name: "ALPHA_VANTAGE"}
	b := &scriptedSource{name: "POLYGON"}
	o := New([]source.Registration{reg(a, 1), reg(b, 2)}, c, zap.NewNop())
	res, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe5D)
	if err != nil {
		t.Fatalf("expected cached series, got %v", err)
	}
	if !res.FromCache || res.Source != "POLYGON" || res.Series.Len() != 5 {
		t.Fatalf("unexpected cached result: %+v", res)
	}
}

func TestExhaustedWhenCacheStale(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)}
	c := cache.New(30*time.Minute, zap.NewNop(), cache.WithClock(clock.Now))
	c.Write(context.Background(), "ATON", quote.Timeframe5D, makeSeries(quote.Timeframe5D, 5, false), "POLYGON", quote.Timeframe5D)
	clock.Advance(45 * time.Minute)

	prom := metrics.NewPrometheus()
	o := New([]source.Registration{reg(&scriptedSource{name: "A"}, 1), reg(&scriptedSource{name: "B"}, 2)}, c, zap.NewNop(), WithMetrics(prom.Metrics))
	_, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe5D)
	if !errors.Is(err, quote.ErrAllSourcesExhausted) {
		t.Fatalf("expected ErrAllSourcesExhausted, got %v", err)
	}
	if !strings.Contains(err.Error(), "B: request failed") {
		t.Fatalf("expected last source error in message, got %v", err)
	}
}

func TestExhaustedWithNoSources(t *testing.T) {
	o := New(nil, cache.New(30*time.Minute, zap.NewNop()), zap.NewNop())
	if _, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe1D); !errors.Is(err, quote.ErrAllSourcesExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

func TestEmptySeriesTreatedAsFailure(t *testing.T) {
	a := &scriptedSource{name: "A", responses: map[quote.Timeframe]func() (quote.Series, error){
		quote.Timeframe1M: func() (quote.Series, error) { return quote.Series{}, nil },
	}}
	b := &scriptedSource{name: "B", responses: map[quote.Timeframe]func() (quote.Series, error){quote.Timeframe1M: ok(quote.Timeframe1M, 30)}}
	o := New([]source.Registration{reg(a, 1), reg(b, 2)}, cache.New(30*time.Minute, zap.NewNop()), zap.NewNop())
	res, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe1M)
	if err != nil || res.Source != "B" {
		t.Fatalf("expected fall-through to B, got %+v %v", res, err)
	}
}

func TestInvalidTimeframe(t *testing.T) {
	o := New(nil, nil, nil)
	if _, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe("1Y")); err == nil {
		t.Fatalf("expected error for unknown timeframe")
	}
}

func TestArchiverReceivesLiveSeriesOnly(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := cache.New(30*time.Minute, zap.NewNop(), cache.WithClock(clock.Now))
	archive := &recordingArchiver{}
	flaky := &scriptedSource{name: "A", responses: map[quote.Timeframe]func() (quote.Series, error){quote.Timeframe1M: ok(quote.Timeframe1M, 30)}}
	o := New([]source.Registration{reg(flaky, 1)}, c, zap.NewNop(), WithArchiver(archive))

	if _, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe1M); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	delete(flaky.responses, quote.Timeframe1M)
	res, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe1M)
	if err != nil || !res.FromCache {
		t.Fatalf("expected cached result, got %+v %v", res, err)
	}
	if len(archive.series) != 1 || archive.names[0] != "A" {
		t.Fatalf("expected one archived live series, got %d", len(archive.series))
	}
}

func TestMetricsCounted(t *testing.T) {
	prom := metrics.NewPrometheus()
	primary := &scriptedSource{name: "A", responses: map[quote.Timeframe]func() (quote.Series, error){
		quote.Timeframe1D: rateLimited("A"),
		quote.Timeframe5D: ok(quote.Timeframe5D, 5),
	}}
	o := New([]source.Registration{reg(primary, 1)}, cache.New(30*time.Minute, zap.NewNop()), zap.NewNop(), WithMetrics(prom.Metrics))
	if _, err := o.FetchSeries(context.Background(), "ATON", quote.Timeframe1D); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	body := scrape(t, prom)
	for _, want := range []string{
		"ir_quote_feed_source_requests_total 2",
		"ir_quote_feed_source_rate_limited_total 1",
		"ir_quote_feed_timeframe_downgrades_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics", want)
		}
	}
}

func scrape(t *testing.T, prom *metrics.Prometheus) string {
	t.Helper()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestLoadIDRoundTrip(t *testing.T) {
	ctx := WithLoadID(context.Background(), "abc")
	if LoadID(ctx) != "abc" {
		t.Fatalf("expected load id")
	}
	if LoadID(context.Background()) != "" {
		t.Fatalf("expected empty load id")
	}
}
