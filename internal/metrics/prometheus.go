package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "ir_quote_feed"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	sourceRequests prometheus.Counter
	sourceFailures prometheus.Counter
	rateLimited    prometheus.Counter
	downgrades     prometheus.Counter
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	exhausted      prometheus.Counter
	lastPrice      prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	sourceRequests := newCounter("source_requests_total", "Total number of upstream quote source requests.")
	sourceFailures := newCounter("source_failures_total", "Total number of failed upstream quote source requests.")
	rateLimited := newCounter("source_rate_limited_total", "Total number of rate-limited upstream responses.")
	downgrades := newCounter("timeframe_downgrades_total", "Total number of finest-timeframe downgrades after a rate limit.")
	cacheHits := newCounter("cache_hits_total", "Total number of exhausted loads served from a valid cache entry.")
	cacheMisses := newCounter("cache_misses_total", "Total number of exhausted loads that found no valid cache entry.")
	exhausted := newCounter("sources_exhausted_total", "Total number of loads where every source and the cache failed.")
	lastPrice := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "last_price",
		Help:      "Close of the most recent candle that was published.",
	})

	registry.MustRegister(sourceRequests, sourceFailures, rateLimited, downgrades, cacheHits, cacheMisses, exhausted, lastPrice)

	m := &Metrics{
		SourceRequests: promCounter{sourceRequests},
		SourceFailures: promCounter{sourceFailures},
		RateLimited:    promCounter{rateLimited},
		Downgrades:     promCounter{downgrades},
		CacheHits:      promCounter{cacheHits},
		CacheMisses:    promCounter{cacheMisses},
		Exhausted:      promCounter{exhausted},
		LastPrice:      promGauge{lastPrice},
	}

	return &Prometheus{
		Metrics:        m,
		registry:       registry,
		sourceRequests: sourceRequests,
		sourceFailures: sourceFailures,
		rateLimited:    rateLimited,
		downgrades:     downgrades,
		cacheHits:      cacheHits,
		cacheMisses:    cacheMisses,
		exhausted:      exhausted,
		lastPrice:      lastPrice,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
