package producer

import "context"

// StateStore persists the producer's RunState.
type StateStore interface {
	// Load returns the last persisted state, or an empty state if none exists.
	// It fails with *StateCorruptError when the persisted form cannot be parsed.
	Load(ctx context.Context) (*RunState, error)
	// Save atomically replaces the persisted state.
	Save(ctx context.Context, state *RunState) error
}

// TaskSink is the durable task queue the producer feeds.
type TaskSink interface {
	Push(ctx context.Context, task Task) error
	// Depth reports how many tasks are waiting to be consumed. It must be safe
	// for concurrent use.
	Depth(ctx context.Context) (int64, error)
}

// WorkPlanner turns tenants into morsels at pass start and morsels into
// tasks while draining.
type WorkPlanner interface {
	Plan(ctx context.Context, account string, subdomains []string) ([]Morsel, error)
	Expand(ctx context.Context, m Morsel) ([]Task, error)
}
