package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

// EngineSource lists the engines a Scheduler should service on each tick.
type EngineSource interface {
	Engines() []*Engine
}

// Scheduler runs retention and health passes on fixed intervals. A failed or
// panicking pass is logged and the schedule carries on.
type Scheduler struct {
	source        EngineSource
	optimizeEvery time.Duration
	healthEvery   time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. A zero interval disables that loop.
func NewScheduler(source EngineSource, optimizeEvery, healthEvery time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		source:        source,
		optimizeEvery: optimizeEvery,
		healthEvery:   healthEvery,
		logger:        logger.With("component", "scheduler"),
	}
}

// Start launches the loops. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	if s.optimizeEvery > 0 {
		s.wg.Add(1)
		go s.loop(ctx, "optimize", s.optimizeEvery, s.optimizeAll)
	}
	if s.healthEvery > 0 {
		s.wg.Add(1)
		go s.loop(ctx, "health", s.healthEvery, s.checkAll)
	}
}

// Stop ends the loops and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, pass func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runPass(ctx, name, pass)
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context, name string, pass func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled pass panicked", "pass", name, "panic", fmt.Sprint(r))
		}
	}()
	pass(ctx)
}

// optimizeAll runs one retention pass over every engine.
func (s *Scheduler) optimizeAll(ctx context.Context) {
	for _, e := range s.source.Engines() {
		report, err := e.Optimize(ctx)
		if err != nil {
			s.logger.Error("scheduled optimization failed", "project", e.ProjectID(), "error", err)
			continue
		}
		s.logger.Debug("scheduled optimization done", "project", e.ProjectID(), "duration_ms", report.DurationMs)
	}
}

func (s *Scheduler) checkAll(ctx context.Context) {
	for _, e := range s.source.Engines() {
		h := e.Health(ctx)
		if h.Status == models.HealthHealthy {
			continue
		}
		for _, issue := range h.Issues {
			s.logger.Warn("memory health issue",
				"project", e.ProjectID(),
				"status", h.Status,
				"severity", issue.Severity,
				"message", issue.Message,
				"suggestion", issue.Suggestion,
			)
		}
	}
}
