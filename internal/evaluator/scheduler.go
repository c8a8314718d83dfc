package evaluator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/slatrack/internal/config"
)

const defaultInterval = time.Minute

// Scheduler runs evaluation cycles on a cron schedule. A cycle that is
// still running when the next one is due causes that tick to be skipped.
type Scheduler struct {
	eval    *Evaluator
	cron    *cron.Cron
	spec    string
	logger  *zap.Logger
	running atomic.Bool

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool
	inflight sync.WaitGroup
}

// NewScheduler creates a scheduler for eval. cfg.Schedule, when set, is a
// standard five-field cron expression or descriptor; otherwise cycles run
// every cfg.Interval.
func NewScheduler(eval *Evaluator, cfg config.EvaluatorConfig, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	spec := cfg.Schedule
	if spec == "" {
		interval := cfg.Interval
		if interval <= 0 {
			interval = defaultInterval
		}
		spec = "@every " + interval.String()
	}

	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		eval:   eval,
		spec:   spec,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid evaluator schedule %q: %w", spec, err)
	}
	return s, nil
}

// Spec returns the effective cron spec.
func (s *Scheduler) Spec() string {
	return s.spec
}

// Start begins scheduling. Cycles run with ctx's values but not its
// cancellation: a cycle in flight when ctx ends runs to completion, and only
// Stop's deadline cuts it short.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.stopped = false
	s.mu.Unlock()

	s.cron.Start()
	s.running.Store(true)
	s.logger.Info("evaluator scheduler started", zap.String("schedule", s.spec))
}

// Stop stops scheduling new cycles and waits for an in-flight cycle to
// finish. If ctx ends first the in-flight cycle is cancelled and ctx's
// error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.running.Store(false)
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.logger.Info("evaluator scheduler stopped")
	return err
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	if ctx == nil || s.stopped || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()
	// Errors are logged and counted by the evaluator.
	_, _ = s.eval.RunCycle(ctx)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
