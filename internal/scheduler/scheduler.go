package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const DefaultInterval = 5 * time.Minute

type Scheduler struct {
	interval time.Duration
	tickFn   func(context.Context)
	log      *zap.Logger

	running atomic.Bool
	trigger chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, tickFn func(context.Context), logger *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		interval: interval,
		tickFn:   tickFn,
		log:      logger.With(zap.String("component", "scheduler")),
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("scheduler started", zap.Duration("interval", s.interval))

		s.safeTick(ctx, "start")

		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx, "interval")
			case <-s.trigger:
				s.safeTick(ctx, "trigger")
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Trigger requests an extra tick as soon as the current one finishes.
// Requests made while one is already pending are merged. It returns false
// when the scheduler is not running.
func (s *Scheduler) Trigger() bool {
	if !s.running.Load() {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) safeTick(ctx context.Context, reason string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic recovered", zap.Any("panic", r))
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	s.log.Info("scheduler tick completed",
		zap.String("reason", reason),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}
