// Package fetch tries quote sources in priority order and falls back to the
// freshness cache when every source fails.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ir-quote-feed/internal/cache"
	"ir-quote-feed/internal/metrics"
	"ir-quote-feed/internal/quote"
	"ir-quote-feed/internal/source"

	"go.uber.org/zap"
)

// Archiver receives every series fetched live from a source.
type Archiver interface {
	EnqueueSeries(series quote.Series, source string)
}

// Result describes where a series came from. Timeframe is the effective
// timeframe, which is coarser than Requested after a rate-limit downgrade.
type Result struct {
	Series     quote.Series
	Source     string
	Requested  quote.Timeframe
	Timeframe  quote.Timeframe
	FromCache  bool
	CapturedAt time.Time
	Downgraded bool
}

type Orchestrator struct {
	sources  []source.Registration
	cache    *cache.Cache
	limits   quote.Limits
	metrics  *metrics.Metrics
	archiver Archiver
	log      *zap.Logger
}

type Option func(*Orchestrator)

func WithLimits(limits quote.Limits) Option {
	return func(o *Orchestrator) {
		if limits != nil {
			o.limits = limits
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) {
		o.archiver = a
	}
}

func New(regs []source.Registration, c *cache.Cache, log *zap.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if c == nil {
		c = cache.New(cache.DefaultValidity, log)
	}
	o := &Orchestrator{
		sources: source.Ordered(regs),
		cache:   c,
		limits:  quote.DefaultLimits(),
		metrics: metrics.NewNoop(),
		log:     log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sources returns the enabled sources in the order they are tried.
func (o *Orchestrator) Sources() []string {
	names := make([]string, 0, len(o.sources))
	for _, reg := range o.sources {
		names = append(names, reg.Source.Name())
	}
	return names
}

// FetchSeries returns the first successful source result, written to the
// cache before returning. When the primary source is rate limited at the
// finest timeframe it is retried once at the next coarser timeframe. If all
// sources fail a valid cache entry for (symbol, tf) is served, otherwise the
// error wraps quote.ErrAllSourcesExhausted.
func (o *Orchestrator) FetchSeries(ctx context.Context, symbol string, tf quote.Timeframe) (Result, error) {
	if !tf.Valid() {
		return Result{}, fmt.Errorf("fetch %s: unknown timeframe %q", symbol, tf)
	}
	log := o.log.With(zap.String("symbol", symbol), zap.String("timeframe", tf.String()))
	if id := LoadID(ctx); id != "" {
		log = log.With(zap.String("load_id", id))
	}

	var lastErr error
	for i, reg := range o.sources {
		name := reg.Source.Name()
		series, err := o.try(ctx, reg.Source, symbol, tf)
		if err == nil {
			return o.commit(ctx, log, symbol, tf, tf, series, name), nil
		}
		lastErr = err
		log.Warn("source failed", zap.String("source", name), zap.Error(err))

		if i != 0 || !tf.IsFinest() || !quote.IsRateLimited(err) {
			continue
		}
		coarser, ok := tf.Coarser()
		if !ok {
			continue
		}
		o.metrics.Downgrades.Inc()
		log.Info("primary source rate limited, retrying coarser timeframe",
			zap.String("source", name),
			zap.String("coarser", coarser.String()),
		)
		series, err = o.try(ctx, reg.Source, symbol, coarser)
		if err == nil {
			return o.commit(ctx, log, symbol, tf, coarser, series, name), nil
		}
		lastErr = err
		log.Warn("coarser retry failed", zap.String("source", name), zap.String("coarser", coarser.String()), zap.Error(err))
	}

	if entry, ok := o.cache.Fresh(symbol, tf); ok {
		o.metrics.CacheHits.Inc()
		log.Info("all sources failed, serving cached series",
			zap.String("source", entry.Source),
			zap.Time("captured_at", entry.CapturedAt),
		)
		return Result{
			Series:     entry.Series,
			Source:     entry.Source,
			Requested:  tf,
			Timeframe:  entry.Timeframe,
			FromCache:  true,
			CapturedAt: entry.CapturedAt,
			Downgraded: entry.Timeframe != tf,
		}, nil
	}
	o.metrics.CacheMisses.Inc()
	o.metrics.Exhausted.Inc()
	if lastErr == nil {
		lastErr = errors.New("no sources configured")
	}
	log.Error("all sources failed and no valid cache", zap.Error(lastErr))
	return Result{}, fmt.Errorf("%w: %s %s: last error: %v", quote.ErrAllSourcesExhausted, symbol, tf, lastErr)
}

func (o *Orchestrator) try(ctx context.Context, src source.Source, symbol string, tf quote.Timeframe) (quote.Series, error) {
	o.metrics.SourceRequests.Inc()
	series, err := src.Fetch(ctx, symbol, tf)
	if err == nil && series.Len() == 0 {
		err = &quote.EmptyResultError{Source: src.Name()}
	}
	if err != nil {
		o.metrics.SourceFailures.Inc()
		if quote.IsRateLimited(err) {
			o.metrics.RateLimited.Inc()
		}
		return quote.Series{}, err
	}
	return series, nil
}

func (o *Orchestrator) commit(ctx context.Context, log *zap.Logger, symbol string, requested, effective quote.Timeframe, series quote.Series, name string) Result {
	series = series.Clone()
	series.Symbol = symbol
	series.Timeframe = effective
	series.Candles = quote.Normalize(series.Candles, o.limits.Max(effective))

	entry := o.cache.Write(ctx, symbol, requested, series, name, effective)
	if o.archiver != nil {
		o.archiver.EnqueueSeries(series, name)
	}
	log.Debug("series fetched",
		zap.String("source", name),
		zap.String("effective", effective.String()),
		zap.Int("points", series.Len()),
	)
	return Result{
		Series:     entry.Series,
		Source:     name,
		Requested:  requested,
		Timeframe:  effective,
		CapturedAt: entry.CapturedAt,
		Downgraded: requested != effective,
	}
}
