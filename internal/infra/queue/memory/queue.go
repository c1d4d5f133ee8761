// Package memory provides in-process versions of the task queue and the
// per-tenant message broker. Nothing is persisted; they serve local runs
// and tests.
package memory

import (
	"context"
	"sync"

	"github.com/ahrav/audit-mill/internal/domain/producer"
)

var _ producer.TaskSink = (*Queue)(nil)

// Queue is a FIFO producer.TaskSink.
type Queue struct {
	mu    sync.Mutex
	tasks []producer.Task
}

// NewQueue creates an empty queue.
func NewQueue() *Queue { return &Queue{} }

func (q *Queue) Push(ctx context.Context, task producer.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *Queue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.tasks)), nil
}

// Take removes and returns up to n tasks from the head of the queue.
func (q *Queue) Take(n int) []producer.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	n = min(n, len(q.tasks))
	out := make([]producer.Task, n)
	copy(out, q.tasks[:n])
	q.tasks = q.tasks[n:]
	return out
}
