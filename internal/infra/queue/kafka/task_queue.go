package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/audit-mill/internal/domain/listener"
	"github.com/ahrav/audit-mill/internal/domain/producer"
	"github.com/ahrav/audit-mill/internal/infra/queue/kafka/tracing"
	"github.com/ahrav/audit-mill/pkg/common/logger"
)

// PartitionOffsets reads partition layout and log-end offsets. sarama.Client
// satisfies it.
type PartitionOffsets interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
}

// GroupOffsets reads committed consumer group offsets. sarama.ClusterAdmin
// satisfies it.
type GroupOffsets interface {
	ListConsumerGroupOffsets(group string, topicPartitions map[string][]int32) (*sarama.OffsetFetchResponse, error)
}

// TaskQueueConfig names the topic tasks are written to and the consumer
// group whose lag is the queue depth.
type TaskQueueConfig struct {
	Topic string
	// WorkerGroup is the consumer group of the workers that drain Topic.
	WorkerGroup string
}

var _ producer.TaskSink = (*TaskQueue)(nil)

// TaskQueue is a producer.TaskSink writing JSON tasks to a Kafka topic.
// Depth is the worker group's total lag across partitions.
type TaskQueue struct {
	cfg      TaskQueueConfig
	producer sarama.SyncProducer
	offsets  PartitionOffsets
	groups   GroupOffsets

	logger *logger.Logger
	tracer trace.Tracer
}

// NewTaskQueue creates a TaskQueue. The caller owns the producer, client and
// admin and closes them.
func NewTaskQueue(
	cfg TaskQueueConfig,
	producer sarama.SyncProducer,
	offsets PartitionOffsets,
	groups GroupOffsets,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*TaskQueue, error) {
	if cfg.Topic == "" || cfg.WorkerGroup == "" {
		return nil, errors.New("task queue requires a topic and a worker group")
	}
	return &TaskQueue{
		cfg:      cfg,
		producer: producer,
		offsets:  offsets,
		groups:   groups,
		logger:   logger.With("component", "kafka_task_queue", "topic", cfg.Topic),
		tracer:   tracer,
	}, nil
}

// Push publishes task keyed by account and subdomain so a tenant's tasks stay
// on one partition.
func (q *TaskQueue) Push(ctx context.Context, task producer.Task) error {
	ctx, span := tracing.StartProducerSpan(ctx, q.cfg.Topic, q.tracer)
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID.String()),
		attribute.String("task.type", string(task.Type)),
		attribute.String("account", task.Account),
	)

	body, err := json.Marshal(task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal task")
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: q.cfg.Topic,
		Key:   sarama.StringEncoder(listener.RoutingKeyFor(task.Account, task.Subdomain)),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("task-type"), Value: []byte(task.Type)},
		},
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := q.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send task")
		return fmt.Errorf("failed to send task to kafka topic %s: %w", q.cfg.Topic, err)
	}

	q.logger.Debug(ctx, "Published task",
		"task_id", task.ID,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Depth returns the number of tasks written but not yet committed by the
// worker group. Partitions the group never committed count from the oldest
// retained offset.
func (q *TaskQueue) Depth(ctx context.Context) (int64, error) {
	_, span := q.tracer.Start(ctx, "kafka_task_queue.depth",
		trace.WithAttributes(
			attribute.String("topic", q.cfg.Topic),
			attribute.String("group", q.cfg.WorkerGroup),
		))
	defer span.End()

	depth, err := q.depth()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to compute queue depth")
		return 0, err
	}
	span.SetAttributes(attribute.Int64("depth", depth))
	return depth, nil
}

func (q *TaskQueue) depth() (int64, error) {
	partitions, err := q.offsets.Partitions(q.cfg.Topic)
	if err != nil {
		return 0, fmt.Errorf("failed to list partitions of %s: %w", q.cfg.Topic, err)
	}
	if len(partitions) == 0 {
		return 0, nil
	}

	committed, err := q.groups.ListConsumerGroupOffsets(q.cfg.WorkerGroup, map[string][]int32{q.cfg.Topic: partitions})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch offsets for group %s: %w", q.cfg.WorkerGroup, err)
	}
	if committed.Err != sarama.ErrNoError {
		return 0, fmt.Errorf("failed to fetch offsets for group %s: %w", q.cfg.WorkerGroup, committed.Err)
	}

	var total int64
	for _, p := range partitions {
		newest, err := q.offsets.GetOffset(q.cfg.Topic, p, sarama.OffsetNewest)
		if err != nil {
			return 0, fmt.Errorf("failed to get newest offset of %s/%d: %w", q.cfg.Topic, p, err)
		}

		from := int64(-1)
		if block := committed.GetBlock(q.cfg.Topic, p); block != nil {
			if block.Err != sarama.ErrNoError {
				return 0, fmt.Errorf("failed to get committed offset of %s/%d: %w", q.cfg.Topic, p, block.Err)
			}
			from = block.Offset
		}
		if from < 0 {
			if from, err = q.offsets.GetOffset(q.cfg.Topic, p, sarama.OffsetOldest); err != nil {
				return 0, fmt.Errorf("failed to get oldest offset of %s/%d: %w", q.cfg.Topic, p, err)
			}
		}

		if lag := newest - from; lag > 0 {
			total += lag
		}
	}
	return total, nil
}
