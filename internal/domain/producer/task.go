package producer

import (
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what a worker should do with a Task.
type TaskType string

const (
	TaskTypeBitIntegrity TaskType = "bit-integrity"
	TaskTypeDuplication  TaskType = "duplication"
)

// Task is one unit of work pushed onto the durable task queue.
type Task struct {
	ID         uuid.UUID         `json:"id"`
	Type       TaskType          `json:"type"`
	Account    string            `json:"account"`
	Subdomain  string            `json:"subdomain"`
	SpaceID    string            `json:"space_id"`
	ContentID  string            `json:"content_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewTask creates a task with a fresh identifier.
func NewTask(typ TaskType, account, subdomain, spaceID, contentID string, createdAt time.Time) Task {
	return Task{
		ID:        uuid.New(),
		Type:      typ,
		Account:   account,
		Subdomain: subdomain,
		SpaceID:   spaceID,
		ContentID: contentID,
		CreatedAt: createdAt,
	}
}
