package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// scheduler runs periodic jobs off the request path. Overlapping runs of the
// same job are skipped and panics are recovered.
type scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
	ctx  context.Context
}

func newScheduler(log *zap.Logger) *scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log: log.Sugar()}
	return &scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log: log,
		ctx: context.Background(),
	}
}

// Add registers job under a standard cron expression or descriptor such as
// "@every 5m". Jobs receive the context given to Start.
func (s *scheduler) Add(expr, name string, job func(context.Context)) error {
	if _, err := s.cron.AddFunc(expr, func() {
		s.log.Debug("scheduled job running", zap.String("job", name))
		job(s.ctx)
	}); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	return nil
}

func (s *scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop halts the schedule and waits for running jobs.
func (s *scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// cronLogger adapts zap to cron.Logger. Cron's own info lines are chatty and
// go to debug.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
