package producer

import "fmt"

// StateCorruptError reports a persisted RunState that cannot be parsed. It is
// fatal to the producer: unprocessed morsels must never be silently dropped.
type StateCorruptError struct {
	Location string
	Err      error
}

func (e *StateCorruptError) Error() string {
	return fmt.Sprintf("run state at %s is corrupt: %v", e.Location, e.Err)
}

func (e *StateCorruptError) Unwrap() error { return e.Err }

// TaskExpansionError reports a morsel that could not be expanded into tasks.
// The morsel is skipped.
type TaskExpansionError struct {
	Kind MorselKind
	Err  error
}

func (e *TaskExpansionError) Error() string {
	return fmt.Sprintf("expanding %s morsel: %v", e.Kind, e.Err)
}

func (e *TaskExpansionError) Unwrap() error { return e.Err }

// SinkPushError reports a task the queue did not accept. The morsel that
// produced it is retried.
type SinkPushError struct {
	TaskID string
	Err    error
}

func (e *SinkPushError) Error() string {
	return fmt.Sprintf("pushing task %s: %v", e.TaskID, e.Err)
}

func (e *SinkPushError) Unwrap() error { return e.Err }
