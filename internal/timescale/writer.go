package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"ir-quote-feed/internal/config"
	"ir-quote-feed/internal/quote"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Batch is one fetched series waiting to be archived.
type Batch struct {
	Series quote.Series
	Source string
}

// Writer archives live candle series into a Timescale hypertable. Enqueue
// never blocks; batches are dropped when the queue is full.
type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	batches chan Batch
	started atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		batches: make(chan Batch, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// EnqueueSeries queues a copy of series for archiving.
func (w *Writer) EnqueueSeries(series quote.Series, source string) {
	if w == nil || series.Len() == 0 {
		return
	}
	select {
	case w.batches <- Batch{Series: series.Clone(), Source: source}:
		return
	default:
		if w.dropped.Add(1) == 1 {
			w.log.Warn("timescale candle queue full")
		}
	}
}

func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) Written() uint64 {
	if w == nil {
		return 0
	}
	return w.written.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-w.batches:
			if err := w.writeBatch(ctx, batch); err != nil {
				w.log.Warn("timescale candle upsert failed",
					zap.String("symbol", batch.Series.Symbol),
					zap.String("timeframe", batch.Series.Timeframe.String()),
					zap.Error(err),
				)
			}
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		source TEXT NOT NULL,
		open NUMERIC(18,2) NOT NULL,
		high NUMERIC(18,2) NOT NULL,
		low NUMERIC(18,2) NOT NULL,
		close NUMERIC(18,2) NOT NULL,
		volume BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (ts, symbol, timeframe)
	)`, w.table("quote_candles"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("quote_candles"))); err != nil {
		w.log.Warn("timescale quote_candles hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeBatch(ctx context.Context, batch Batch) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, w.upsertQuery())
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows(batch) {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	w.written.Add(uint64(batch.Series.Len()))
	return nil
}

func (w *Writer) upsertQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, timeframe, source, open, high, low, close, volume
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9
	)
	ON CONFLICT (ts, symbol, timeframe) DO UPDATE SET
		source = EXCLUDED.source,
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume`, w.table("quote_candles"))
}

// rows flattens a batch into upsert arguments. Prices go over the wire as
// decimal strings so NUMERIC columns keep them exact.
func rows(batch Batch) [][]any {
	out := make([][]any, 0, batch.Series.Len())
	for _, c := range batch.Series.Candles {
		out = append(out, []any{
			c.Time.UTC(),
			batch.Series.Symbol,
			batch.Series.Timeframe.String(),
			batch.Source,
			c.Open.StringFixed(quote.PriceDecimals),
			c.High.StringFixed(quote.PriceDecimals),
			c.Low.StringFixed(quote.PriceDecimals),
			c.Close.StringFixed(quote.PriceDecimals),
			c.Volume,
		})
	}
	return out
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
