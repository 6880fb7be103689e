package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ir-quote-feed/internal/alerts"
	"ir-quote-feed/internal/cache"
	"ir-quote-feed/internal/config"
	"ir-quote-feed/internal/fetch"
	"ir-quote-feed/internal/hub"
	"ir-quote-feed/internal/keymetrics"
	"ir-quote-feed/internal/metrics"
	"ir-quote-feed/internal/quote"
	"ir-quote-feed/internal/session"
	"ir-quote-feed/internal/source"
	"ir-quote-feed/internal/state"
	"ir-quote-feed/internal/state/sqlite"
	"ir-quote-feed/internal/timescale"

	"go.uber.org/zap"
)

const wsPingInterval = 30 * time.Second

type App struct {
	cfg          *config.Config
	log          *zap.Logger
	store        *sqlite.Store
	cache        *cache.Cache
	orchestrator *fetch.Orchestrator
	session      *session.Session
	hub          *hub.Hub
	keyMetrics   *keymetrics.Service
	prom         *metrics.Prometheus
	alerts       *alerts.Telegram
	archive      *timescale.Writer
	scheduler    *scheduler
	operator     *operator
	server       *http.Server
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	limits := limitsFromConfig(cfg.Chart.MaxPoints)
	regs, av := buildSources(cfg.Sources, limits, log)

	var store *sqlite.Store
	cacheOpts := []cache.Option{}
	if cfg.Cache.PersistValue() {
		s, err := sqlite.New(cfg.Cache.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open cache store: %w", err)
		}
		store = s
		cacheOpts = append(cacheOpts, cache.WithStore(store))
	}
	quoteCache := cache.New(cfg.Cache.Validity, log.Named("cache"), cacheOpts...)

	archive, err := timescale.New(cfg.Timescale, log.Named("timescale"))
	if err != nil {
		closeStore(store, log)
		return nil, fmt.Errorf("open timescale: %w", err)
	}
	cleanup := func() {
		closeStore(store, log)
		_ = archive.Close()
	}

	prom := metrics.NewPrometheus()
	fetchOpts := []fetch.Option{fetch.WithLimits(limits), fetch.WithMetrics(prom.Metrics)}
	if archive != nil {
		fetchOpts = append(fetchOpts, fetch.WithArchiver(archive))
	}
	orchestrator := fetch.New(regs, quoteCache, log.Named("fetch"), fetchOpts...)

	wsHub := hub.New(wsPingInterval, log.Named("hub"))
	telegram := alerts.NewTelegram(cfg.Telegram, log.Named("alerts"))

	initial, err := quote.ParseTimeframe(cfg.Chart.DefaultTimeframe)
	if err != nil {
		cleanup()
		return nil, err
	}
	sessionOpts := []session.Option{session.WithSink(wsHub), session.WithMetrics(prom.Metrics)}
	if telegram.Enabled() {
		sessionOpts = append(sessionOpts, session.WithAlerter(telegram))
	}
	chart, err := session.New(orchestrator, cfg.Symbol, initial, log.Named("session"), sessionOpts...)
	if err != nil {
		cleanup()
		return nil, err
	}

	var overview keymetrics.OverviewFetcher
	if av != nil {
		overview = av
	}
	keyMetrics := keymetrics.New(overview, cfg.Symbol, cfg.KeyMetrics.TreasuryRatio, log.Named("keymetrics"))

	a := &App{
		cfg:          cfg,
		log:          log,
		store:        store,
		cache:        quoteCache,
		orchestrator: orchestrator,
		session:      chart,
		hub:          wsHub,
		keyMetrics:   keyMetrics,
		prom:         prom,
		alerts:       telegram,
		archive:      archive,
		scheduler:    newScheduler(log.Named("scheduler")),
	}
	var opStore state.Store
	if store != nil {
		opStore = store
	}
	a.operator = newOperator(cfg.Telegram, telegram, opStore, chart, keyMetrics, quoteCache, log.Named("operator"))
	if cfg.KeyMetrics.EnabledValue() {
		if err := a.scheduler.Add(cfg.KeyMetrics.Schedule, "key_metrics", a.refreshKeyMetrics); err != nil {
			cleanup()
			return nil, fmt.Errorf("key_metrics.schedule: %w", err)
		}
	}
	a.server = &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           a.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}
	return a, nil
}

// Handler returns the full HTTP surface: chart endpoints, key metrics, the
// websocket hub and, when enabled, the prometheus exposition.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.session.Register(mux)
	mux.Handle("/api/metrics", a.keyMetrics.Handler())
	mux.Handle("GET /ws", a.hub)
	if a.cfg.Metrics.EnabledValue() {
		mux.Handle("GET "+a.cfg.Metrics.Path, a.prom.Handler())
	}
	return mux
}

func (a *App) Run(ctx context.Context) error {
	defer closeStore(a.store, a.log)
	defer func() {
		if err := a.archive.Close(); err != nil {
			a.log.Warn("timescale close failed", zap.Error(err))
		}
	}()

	restored, err := a.cache.Restore(ctx, a.cfg.Symbol, quote.Timeframes())
	if err != nil {
		return err
	}
	a.log.Info("cache restored", zap.Int("slots", restored), zap.Strings("sources", a.orchestrator.Sources()))
	a.log.Info("collaborators",
		zap.Bool("telegram_alerts", a.alerts.Enabled()),
		zap.Bool("telegram_operator", a.operator != nil),
		zap.Bool("timescale", a.archive != nil),
		zap.Bool("cache_persist", a.store != nil),
	)

	a.archive.Start(ctx)
	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()
	defer a.hub.Close()

	if a.cfg.KeyMetrics.EnabledValue() {
		go a.refreshKeyMetrics(ctx)
	}
	if a.operator != nil {
		go a.operator.run(ctx)
	}
	go func() {
		if _, err := a.session.Load(ctx); err != nil {
			a.log.Warn("initial chart load failed", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http listening", zap.String("address", a.server.Addr))
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	a.hub.Close()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown failed", zap.Error(err))
	}
	return ctx.Err()
}

func (a *App) refreshKeyMetrics(ctx context.Context) {
	err := a.keyMetrics.Refresh(ctx)
	switch {
	case err == nil:
		a.log.Debug("key metrics refreshed")
	case errors.Is(err, keymetrics.ErrRefreshInProgress):
		a.log.Debug("key metrics refresh skipped", zap.Error(err))
	default:
		a.log.Warn("key metrics refresh failed", zap.Error(err))
	}
}

func limitsFromConfig(maxPoints map[string]int) quote.Limits {
	limits := quote.DefaultLimits()
	for raw, n := range maxPoints {
		tf, err := quote.ParseTimeframe(raw)
		if err != nil || n <= 0 {
			continue
		}
		limits[tf] = n
	}
	return limits
}

// buildSources registers every usable adapter in config order. It also returns
// the Alpha Vantage adapter, when usable, for the overview endpoint.
func buildSources(cfg config.SourcesConfig, limits quote.Limits, log *zap.Logger) ([]source.Registration, *source.AlphaVantage) {
	var av *source.AlphaVantage
	regs := make([]source.Registration, 0, 2)
	if cfg.AlphaVantage.Usable() {
		av = source.NewAlphaVantage(cfg.AlphaVantage, limits, log.Named("alpha_vantage"))
		regs = append(regs, source.Registration{
			Descriptor: source.Descriptor{Name: source.NameAlphaVantage, Priority: cfg.AlphaVantage.Priority, Enabled: true},
			Source:     av,
		})
	}
	if cfg.Polygon.Usable() {
		regs = append(regs, source.Registration{
			Descriptor: source.Descriptor{Name: source.NamePolygon, Priority: cfg.Polygon.Priority, Enabled: true},
			Source:     source.NewPolygon(cfg.Polygon, limits, log.Named("polygon")),
		})
	}
	return regs, av
}

func closeStore(store *sqlite.Store, log *zap.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		log.Warn("cache store close failed", zap.Error(err))
	}
}
