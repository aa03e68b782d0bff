// Package lifecycle coordinates readiness and ordered shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Shutdown phases run in ascending order; hooks inside one phase run in parallel.
const (
	PhaseIngress  = 10 // stop accepting traffic
	PhaseWorkers  = 20 // background loops and job processors
	PhaseServices = 30 // in-memory state and outbound integrations
	PhaseStorage  = 40 // database and cache connections
)

type hook struct {
	name  string
	phase int
	fn    func(ctx context.Context) error
}

// Shutdown coordinates graceful shutdown hooks.
type Shutdown struct {
	mu    sync.Mutex
	hooks []hook
	log   *slog.Logger
}

// NewShutdown constructs a new Shutdown coordinator.
func NewShutdown(log *slog.Logger) *Shutdown {
	if log == nil {
		log = slog.Default()
	}

	return &Shutdown{log: log}
}

// Register adds a named shutdown hook to phase.
func (s *Shutdown) Register(phase int, name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks = append(s.hooks, hook{name: name, phase: phase, fn: fn})
}

// Execute runs the registered hooks phase by phase and joins their errors.
// A failing hook does not stop later phases.
func (s *Shutdown) Execute(ctx context.Context) error {
	s.mu.Lock()
	phases := make(map[int][]hook)
	for _, h := range s.hooks {
		phases[h.phase] = append(phases[h.phase], h)
	}
	s.mu.Unlock()

	order := make([]int, 0, len(phases))
	for phase := range phases {
		order = append(order, phase)
	}
	sort.Ints(order)

	start := time.Now()
	s.log.Info("shutdown sequence started", slog.Int("phases", len(order)))

	var errs []error
	for _, phase := range order {
		errs = append(errs, s.runPhase(ctx, phase, phases[phase])...)
	}

	s.log.Info("shutdown sequence finished", slog.Duration("elapsed", time.Since(start)))

	return errors.Join(errs...)
}

func (s *Shutdown) runPhase(ctx context.Context, phase int, hooks []hook) []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, h := range hooks {
		wg.Add(1)
		go func(h hook) {
			defer wg.Done()

			log := s.log.With(slog.String("hook", h.name), slog.Int("phase", phase))
			log.Info("running shutdown hook")

			if err := h.fn(ctx); err != nil {
				log.Error("shutdown hook failed", slog.Any("error", err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
				mu.Unlock()
				return
			}

			log.Info("shutdown hook completed")
		}(h)
	}

	wg.Wait()
	return errs
}
