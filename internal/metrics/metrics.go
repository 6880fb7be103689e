package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	SourceRequests Counter
	SourceFailures Counter
	RateLimited    Counter
	Downgrades     Counter
	CacheHits      Counter
	CacheMisses    Counter
	Exhausted      Counter
	LastPrice      Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		SourceRequests: n,
		SourceFailures: n,
		RateLimited:    n,
		Downgrades:     n,
		CacheHits:      n,
		CacheMisses:    n,
		Exhausted:      n,
		LastPrice:      noopGauge{},
	}
}
