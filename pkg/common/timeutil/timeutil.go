// Package timeutil abstracts the wall clock so that time-dependent
// components can be driven deterministically in tests.
package timeutil

import (
	"context"
	"time"
)

// Provider supplies the current time and context-aware sleeping.
type Provider interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realProvider struct{}

// Default returns a Provider backed by the system clock.
func Default() Provider { return realProvider{} }

func (realProvider) Now() time.Time { return time.Now() }

func (realProvider) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
