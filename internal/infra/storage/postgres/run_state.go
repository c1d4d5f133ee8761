package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/audit-mill/internal/domain/producer"
	"github.com/ahrav/audit-mill/internal/infra/storage"
)

var _ producer.StateStore = (*RunStateStore)(nil)

const (
	loadRunStateSQL = `SELECT state FROM producer_run_state WHERE name = $1`
	saveRunStateSQL = `
INSERT INTO producer_run_state (name, state, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (name) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`
)

// RunStateStore keeps a producer's RunState as a json row keyed by producer
// name. The upsert is a single statement, so a save is all or nothing.
type RunStateStore struct {
	pool   *pgxpool.Pool
	name   string
	tracer trace.Tracer
}

// NewRunStateStore creates a store for the producer called name.
func NewRunStateStore(pool *pgxpool.Pool, name string, tracer trace.Tracer) *RunStateStore {
	return &RunStateStore{pool: pool, name: name, tracer: tracer}
}

// Load returns the stored state or an empty one when no row exists.
func (s *RunStateStore) Load(ctx context.Context) (*producer.RunState, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("producer", s.name))
	var state *producer.RunState
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_run_state", dbAttrs, func(ctx context.Context) error {
		var raw []byte
		err := s.pool.QueryRow(ctx, loadRunStateSQL, s.name).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			state = producer.NewRunState()
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load run state: %w", err)
		}

		st := producer.NewRunState()
		if err := json.Unmarshal(raw, st); err != nil {
			return &producer.StateCorruptError{Location: "producer_run_state/" + s.name, Err: err}
		}
		state = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Save replaces the stored state.
func (s *RunStateStore) Save(ctx context.Context, state *producer.RunState) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("producer", s.name),
		attribute.Int("pending_morsels", len(state.Pending())),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_run_state", dbAttrs, func(ctx context.Context) error {
		raw, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal run state: %w", err)
		}
		if _, err := s.pool.Exec(ctx, saveRunStateSQL, s.name, raw); err != nil {
			return fmt.Errorf("failed to save run state: %w", err)
		}
		return nil
	})
}
