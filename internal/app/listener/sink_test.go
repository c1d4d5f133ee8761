package listener

import (
	"context"

	"github.com/ahrav/audit-mill/internal/domain/producer"
)

type captureSink struct {
	tasks []producer.Task
	err   error
}

func (s *captureSink) Push(_ context.Context, t producer.Task) error {
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, t)
	return nil
}

func (s *captureSink) Depth(context.Context) (int64, error) { return int64(len(s.tasks)), nil }
