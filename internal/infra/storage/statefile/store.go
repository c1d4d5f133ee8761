// Package statefile persists the producer RunState as a JSON document on the
// local filesystem.
package statefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/audit-mill/internal/domain/producer"
	"github.com/ahrav/audit-mill/internal/infra/storage"
)

var _ producer.StateStore = (*Store)(nil)

// Store is a producer.StateStore backed by a single file. Writes go to a
// temporary file in the same directory which is fsynced and renamed over the
// target, so a crash never leaves a partial or missing state file.
type Store struct {
	path   string
	tracer trace.Tracer
}

// New creates a Store for path. The parent directory is created on first save.
func New(path string, tracer trace.Tracer) *Store {
	return &Store{path: path, tracer: tracer}
}

// Path returns the file the store reads and writes.
func (s *Store) Path() string { return s.path }

// Load reads the persisted state. A missing file yields an empty state; an
// unreadable or unparsable one yields *producer.StateCorruptError.
func (s *Store) Load(ctx context.Context) (*producer.RunState, error) {
	var state *producer.RunState
	err := storage.ExecuteAndTrace(ctx, s.tracer, "statefile.load", []attribute.KeyValue{
		attribute.String("path", s.path),
	}, func(ctx context.Context) error {
		data, err := os.ReadFile(s.path)
		if errors.Is(err, fs.ErrNotExist) {
			state = producer.NewRunState()
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading state file: %w", err)
		}

		st := producer.NewRunState()
		if err := json.Unmarshal(data, st); err != nil {
			return &producer.StateCorruptError{Location: s.path, Err: err}
		}
		state = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Save atomically replaces the state file with state.
func (s *Store) Save(ctx context.Context, state *producer.RunState) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "statefile.save", []attribute.KeyValue{
		attribute.String("path", s.path),
		attribute.Int("pending_morsels", len(state.Pending())),
	}, func(ctx context.Context) error {
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshaling run state: %w", err)
		}
		return writeAtomic(s.path, data)
	})
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming state file: %w", err)
	}

	// Persist the rename itself.
	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
