// Package cluster gates singleton work behind leader election so only one
// replica runs the task producer at a time.
package cluster

import (
	"context"
	"sync"
)

// Coordinator manages leader election to ensure only one instance actively coordinates work.
type Coordinator interface {
	// Start initiates coordination and blocks until context cancellation or error.
	Start(ctx context.Context) error
	// Stop gracefully terminates coordination.
	Stop() error
	// OnLeadershipChange registers a callback for leadership status changes.
	OnLeadershipChange(cb func(isLeader bool))
}

var _ Coordinator = (*Standalone)(nil)

// Standalone is the Coordinator for single-replica deployments: it becomes
// leader as soon as it starts and stays leader until stopped.
type Standalone struct {
	mu sync.Mutex
	cb func(isLeader bool)
}

// NewStandalone returns a Coordinator that always leads.
func NewStandalone() *Standalone { return &Standalone{} }

func (s *Standalone) Start(ctx context.Context) error {
	s.notify(true)
	<-ctx.Done()
	s.notify(false)
	return nil
}

func (s *Standalone) Stop() error { return nil }

func (s *Standalone) OnLeadershipChange(cb func(isLeader bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

func (s *Standalone) notify(isLeader bool) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb != nil {
		cb(isLeader)
	}
}
