package evaluator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/slatrack/internal/config"
	"github.com/pitabwire/slatrack/model"
)

func TestNewScheduler_spec(t *testing.T) {
	eval := New(&fakeStore{}, &fakeViolator{}, nil, config.EvaluatorConfig{})
	tests := []struct {
		name string
		cfg  config.EvaluatorConfig
		want string
	}{
		{"default interval", config.EvaluatorConfig{}, "@every 1m0s"},
		{"interval", config.EvaluatorConfig{Interval: 30 * time.Second}, "@every 30s"},
		{"cron expression wins", config.EvaluatorConfig{Interval: time.Hour, Schedule: "*/5 * * * *"}, "*/5 * * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewScheduler(eval, tt.cfg, nil)
			if err != nil {
				t.Fatalf("NewScheduler error: %v", err)
			}
			if s.Spec() != tt.want {
				t.Errorf("Spec() = %q, want %q", s.Spec(), tt.want)
			}
		})
	}
}

func TestNewScheduler_invalidSchedule(t *testing.T) {
	eval := New(&fakeStore{}, &fakeViolator{}, nil, config.EvaluatorConfig{})
	_, err := NewScheduler(eval, config.EvaluatorConfig{Schedule: "every tuesday"}, nil)
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestScheduler_startStop(t *testing.T) {
	store := &fakeStore{due: dueRecords("a")}
	eval := New(store, &fakeViolator{}, nil, config.EvaluatorConfig{}, WithClock(fixedClock()))
	s, err := NewScheduler(eval, config.EvaluatorConfig{Interval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}
	if s.Running() {
		t.Error("Running() before Start")
	}

	s.Start(context.Background())
	if !s.Running() {
		t.Error("Running() = false after Start")
	}

	// A tick runs one full cycle.
	s.tick()
	if store.refreshed.Load() != 1 {
		t.Errorf("cycles run = %d, want 1", store.refreshed.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if s.Running() {
		t.Error("Running() = true after Stop")
	}

	// No cycles start once stopped.
	s.tick()
	if store.refreshed.Load() != 1 {
		t.Errorf("cycle ran after Stop")
	}
}

// blockingViolator holds each evaluation until release is closed and
// records the context error it saw when let go.
type blockingViolator struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	ctxErr  error
}

func (v *blockingViolator) Violate(ctx context.Context, id string, _ time.Time) (model.Record, error) {
	v.once.Do(func() { close(v.entered) })
	<-v.release
	v.mu.Lock()
	v.ctxErr = ctx.Err()
	v.mu.Unlock()
	return model.Record{ID: id}, nil
}

func TestScheduler_stopFinishesInFlightCycle(t *testing.T) {
	store := &fakeStore{due: dueRecords("a")}
	v := &blockingViolator{entered: make(chan struct{}), release: make(chan struct{})}
	eval := New(store, v, nil, config.EvaluatorConfig{}, WithClock(fixedClock()))
	s, err := NewScheduler(eval, config.EvaluatorConfig{Interval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}

	parent, cancelParent := context.WithCancel(context.Background())
	s.Start(parent)

	cycleDone := make(chan struct{})
	go func() {
		s.tick()
		close(cycleDone)
	}()
	<-v.entered

	// The process signal context ends while the cycle is running.
	cancelParent()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopErr := make(chan error, 1)
	go func() { stopErr <- s.Stop(stopCtx) }()

	select {
	case err := <-stopErr:
		t.Fatalf("Stop returned %v before the in-flight cycle finished", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(v.release)
	if err := <-stopErr; err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	<-cycleDone

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ctxErr != nil {
		t.Errorf("evaluation context error = %v, want nil", v.ctxErr)
	}
}

func TestScheduler_stopDeadlineCancelsCycle(t *testing.T) {
	store := &fakeStore{due: dueRecords("a")}
	v := &blockingViolator{entered: make(chan struct{}), release: make(chan struct{})}
	eval := New(store, v, nil, config.EvaluatorConfig{}, WithClock(fixedClock()))
	s, err := NewScheduler(eval, config.EvaluatorConfig{Interval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}
	s.Start(context.Background())

	cycleDone := make(chan struct{})
	go func() {
		s.tick()
		close(cycleDone)
	}()
	<-v.entered

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(stopCtx); err != context.DeadlineExceeded {
		t.Errorf("Stop error = %v, want deadline exceeded", err)
	}

	close(v.release)
	<-cycleDone
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ctxErr == nil {
		t.Error("evaluation context not cancelled after the Stop deadline")
	}
}
