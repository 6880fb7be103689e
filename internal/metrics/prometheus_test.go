package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.SourceRequests.Inc()
	prom.Metrics.SourceRequests.Inc()
	prom.Metrics.SourceFailures.Inc()
	prom.Metrics.RateLimited.Inc()
	prom.Metrics.Downgrades.Inc()
	prom.Metrics.CacheHits.Inc()
	prom.Metrics.CacheMisses.Inc()
	prom.Metrics.Exhausted.Inc()

	assertCounter(t, prom.sourceRequests, 2)
	assertCounter(t, prom.sourceFailures, 1)
	assertCounter(t, prom.rateLimited, 1)
	assertCounter(t, prom.downgrades, 1)
	assertCounter(t, prom.cacheHits, 1)
	assertCounter(t, prom.cacheMisses, 1)
	assertCounter(t, prom.exhausted, 1)
}

func TestPrometheusLastPrice(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.LastPrice.Set(5.43)
	if got := testutil.ToFloat64(prom.lastPrice); got != 5.43 {
		t.Fatalf("expected 5.43, got %v", got)
	}
}

func TestPrometheusHandlerExposesNamespace(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.CacheHits.Inc()
	srv := httptest.NewServer(prom.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ir_quote_feed_cache_hits_total 1") {
		t.Fatalf("expected cache hits in exposition, got:\n%s", body)
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoop()
	m.SourceRequests.Inc()
	m.LastPrice.Set(1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
