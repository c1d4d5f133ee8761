package producer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// RunState is the persisted checkpoint of the looping producer: the ordered
// morsels not yet converted into acknowledged tasks plus pass bookkeeping.
// It is written after every morsel is fully drained, never mid-morsel.
type RunState struct {
	passID          uuid.UUID
	passStartedAt   time.Time
	passCompletedAt time.Time
	tasksEmitted    int64
	pending         []Morsel
}

// NewRunState returns the empty state used on first run.
func NewRunState() *RunState { return &RunState{} }

// Getters for RunState.
func (s *RunState) PassID() uuid.UUID          { return s.passID }
func (s *RunState) PassStartedAt() time.Time   { return s.passStartedAt }
func (s *RunState) PassCompletedAt() time.Time { return s.passCompletedAt }
func (s *RunState) TasksEmitted() int64        { return s.tasksEmitted }

// Pending returns a copy of the morsels still to be drained.
func (s *RunState) Pending() []Morsel { return slices.Clone(s.pending) }

// HasPending reports whether the current pass still has work.
func (s *RunState) HasPending() bool { return len(s.pending) > 0 }

// HasRun reports whether any pass was ever started.
func (s *RunState) HasRun() bool { return !s.passStartedAt.IsZero() }

// StartPass begins a new pass with a fresh batch of morsels.
func (s *RunState) StartPass(id uuid.UUID, startedAt time.Time, morsels []Morsel) {
	s.passID = id
	s.passStartedAt = startedAt
	s.passCompletedAt = time.Time{}
	s.tasksEmitted = 0
	s.pending = slices.Clone(morsels)
}

// Next returns the head morsel without removing it.
func (s *RunState) Next() (Morsel, bool) {
	if len(s.pending) == 0 {
		return Morsel{}, false
	}
	return s.pending[0], true
}

// Complete removes the head morsel and adds the number of tasks it emitted
// to the pass total. It is a no-op when nothing is pending.
func (s *RunState) Complete(emitted int) {
	if len(s.pending) == 0 {
		return
	}
	s.pending = slices.Clone(s.pending[1:])
	s.tasksEmitted += int64(emitted)
}

// MarkPassComplete records when the last morsel of the pass was drained.
func (s *RunState) MarkPassComplete(at time.Time) { s.passCompletedAt = at }

// NextPassAt is the earliest time the next pass may start: frequency after
// the current pass started. A zero time means a pass may start immediately.
func (s *RunState) NextPassAt(frequency time.Duration) time.Time {
	if s.passStartedAt.IsZero() {
		return time.Time{}
	}
	return s.passStartedAt.Add(frequency)
}

// Clone returns a deep copy so callers can mutate a candidate state and only
// adopt it once it has been persisted.
func (s *RunState) Clone() *RunState {
	c := *s
	c.pending = make([]Morsel, len(s.pending))
	for i, m := range s.pending {
		c.pending[i] = Morsel{Kind: m.Kind, Payload: slices.Clone(m.Payload)}
	}
	return &c
}

// Equal compares two states field by field, using time.Equal for timestamps.
func (s *RunState) Equal(o *RunState) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.passID == o.passID &&
		s.passStartedAt.Equal(o.passStartedAt) &&
		s.passCompletedAt.Equal(o.passCompletedAt) &&
		s.tasksEmitted == o.tasksEmitted &&
		slices.EqualFunc(s.pending, o.pending, Morsel.Equal)
}

type runStateJSON struct {
	PassID          uuid.UUID `json:"pass_id"`
	PassStartedAt   time.Time `json:"pass_started_at"`
	PassCompletedAt time.Time `json:"pass_completed_at"`
	TasksEmitted    int64     `json:"tasks_emitted"`
	Pending         []Morsel  `json:"pending"`
}

// MarshalJSON serializes the RunState into a JSON byte array.
func (s *RunState) MarshalJSON() ([]byte, error) {
	pending := s.pending
	if pending == nil {
		pending = []Morsel{}
	}
	return json.Marshal(runStateJSON{
		PassID:          s.passID,
		PassStartedAt:   s.passStartedAt,
		PassCompletedAt: s.passCompletedAt,
		TasksEmitted:    s.tasksEmitted,
		Pending:         pending,
	})
}

// UnmarshalJSON deserializes JSON data into a RunState.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var aux runStateJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	s.passID = aux.PassID
	s.passStartedAt = aux.PassStartedAt
	s.passCompletedAt = aux.PassCompletedAt
	s.tasksEmitted = aux.TasksEmitted

	// Payloads compare byte for byte, so hand-edited or indented documents
	// are normalized to the compact form Wrap produces.
	for i, m := range aux.Pending {
		if len(m.Payload) == 0 {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, m.Payload); err != nil {
			return fmt.Errorf("morsel %d payload: %w", i, err)
		}
		aux.Pending[i].Payload = buf.Bytes()
	}
	s.pending = aux.Pending

	return nil
}
