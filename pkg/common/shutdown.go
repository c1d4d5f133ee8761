package common

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ahrav/audit-mill/pkg/common/logger"
)

// Shutdown collects teardown steps and runs them in reverse registration
// order, so resources close before the things they depend on.
type Shutdown struct {
	mu    sync.Mutex
	steps []shutdownStep
	once  sync.Once
	err   error
}

type shutdownStep struct {
	name string
	fn   func(ctx context.Context) error
}

// Register adds a named teardown step.
func (s *Shutdown) Register(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, shutdownStep{name: name, fn: fn})
}

// RegisterCloser adds a step that closes c.
func (s *Shutdown) RegisterCloser(name string, c interface{ Close() error }) {
	s.Register(name, func(context.Context) error { return c.Close() })
}

// Run executes every step once, last registered first. Failures are logged
// and joined; later steps still run.
func (s *Shutdown) Run(ctx context.Context, log *logger.Logger) error {
	s.once.Do(func() {
		s.mu.Lock()
		steps := s.steps
		s.mu.Unlock()

		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			step := steps[i]
			if err := step.fn(ctx); err != nil {
				log.Error(ctx, "Shutdown step failed", "step", step.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
				continue
			}
			log.Debug(ctx, "Shutdown step complete", "step", step.name)
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}
