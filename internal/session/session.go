// Package session owns the chart state for one symbol: the selected
// timeframe, the latest view and the handlers that drive them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ir-quote-feed/internal/display"
	"ir-quote-feed/internal/fetch"
	"ir-quote-feed/internal/metrics"
	"ir-quote-feed/internal/quote"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Fetcher interface {
	FetchSeries(ctx context.Context, symbol string, tf quote.Timeframe) (fetch.Result, error)
}

type Alerter interface {
	Alert(ctx context.Context, key, message string) error
}

type Session struct {
	fetcher Fetcher
	symbol  string
	sink    display.Sink
	alerter Alerter
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
	machine *StateMachine

	mu        sync.Mutex
	timeframe quote.Timeframe
	view      display.View
}

type Option func(*Session)

func WithSink(sink display.Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

func WithAlerter(a Alerter) Option {
	return func(s *Session) {
		s.alerter = a
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

func New(fetcher Fetcher, symbol string, initial quote.Timeframe, log *zap.Logger, opts ...Option) (*Session, error) {
	if fetcher == nil {
		return nil, errors.New("session fetcher is required")
	}
	if !initial.Valid() {
		return nil, fmt.Errorf("unknown initial timeframe %q", initial)
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		fetcher:   fetcher,
		symbol:    symbol,
		metrics:   metrics.NewNoop(),
		log:       log,
		now:       time.Now,
		machine:   NewStateMachine(),
		timeframe: initial,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.view = display.LoadingView(symbol, initial.String(), s.now())
	return s, nil
}

func (s *Session) Symbol() string { return s.symbol }

func (s *Session) Timeframe() quote.Timeframe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeframe
}

// Current returns the most recently published view.
func (s *Session) Current() display.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *Session) State() State {
	return s.machine.State()
}

// Load fetches the selected timeframe and publishes the result.
func (s *Session) Load(ctx context.Context) (display.View, error) {
	return s.load(ctx, s.Timeframe())
}

// Retry is the manual retry action offered by the error view.
func (s *Session) Retry(ctx context.Context) (display.View, error) {
	return s.Load(ctx)
}

// UpdateTimeframe selects raw and loads it. A downgraded result does not
// change the selection.
func (s *Session) UpdateTimeframe(ctx context.Context, raw string) (display.View, error) {
	tf, err := quote.ParseTimeframe(raw)
	if err != nil {
		return display.View{}, err
	}
	s.mu.Lock()
	s.timeframe = tf
	s.mu.Unlock()
	return s.load(ctx, tf)
}

func (s *Session) load(ctx context.Context, tf quote.Timeframe) (display.View, error) {
	id := uuid.NewString()
	ctx = fetch.WithLoadID(ctx, id)
	log := s.log.With(zap.String("load_id", id), zap.String("timeframe", tf.String()))

	s.machine.Apply(EventLoad)
	s.publish(display.LoadingView(s.symbol, tf.String(), s.now()))

	res, err := s.fetcher.FetchSeries(ctx, s.symbol, tf)
	if err != nil {
		s.machine.Apply(EventFailed)
		view := display.ErrorView(s.symbol, tf.String(), err, s.now())
		s.publish(view)
		log.Error("chart load failed", zap.Error(err))
		if errors.Is(err, quote.ErrAllSourcesExhausted) {
			s.alert(ctx, tf, log)
		}
		return view, err
	}

	s.machine.Apply(EventSucceeded)
	view := display.Render(res.Series, res.Source, res.Timeframe.String(), s.now())
	view.Cached = res.FromCache
	if last, ok := res.Series.Last(); ok {
		s.metrics.LastPrice.Set(last.Close.InexactFloat64())
	}
	s.publish(view)
	log.Info("chart loaded",
		zap.String("source", res.Source),
		zap.String("effective", res.Timeframe.String()),
		zap.Bool("cached", res.FromCache),
		zap.Bool("downgraded", res.Downgraded),
		zap.Int("points", res.Series.Len()),
	)
	return view, nil
}

func (s *Session) publish(view display.View) {
	s.mu.Lock()
	s.view = view
	s.mu.Unlock()
	if s.sink != nil {
		s.sink.Publish(view)
	}
}

func (s *Session) alert(ctx context.Context, tf quote.Timeframe, log *zap.Logger) {
	if s.alerter == nil {
		return
	}
	key := fmt.Sprintf("exhausted:%s:%s", s.symbol, tf)
	msg := fmt.Sprintf("%s %s chart: all quote sources failed and no valid cache is available", s.symbol, tf)
	if err := s.alerter.Alert(ctx, key, msg); err != nil {
		log.Warn("exhaustion alert failed", zap.Error(err))
	}
}
