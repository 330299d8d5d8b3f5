package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Scheduler triggers RunCycle on a fixed interval until stopped. A tick that
// lands while a cycle is still running is dropped.
type Scheduler struct {
	Engine   *Engine
	Interval time.Duration
	Logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start launches the loop in the background. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	s.wg.Add(1)
	go s.loop(ctx, interval)
	s.logger().Info("scheduler started", "interval", interval.String())
}

// Stop cancels the loop and waits for the cycle in flight, if any.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger().Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.Engine.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		s.logger().Debug("tick skipped, cycle in progress")
	case err != nil:
		s.logger().Error("scheduled cycle failed", "error", err)
	}
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default().With("component", "scheduler")
}
