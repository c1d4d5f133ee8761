package kafka

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/audit-mill/internal/domain/notification"
	"github.com/ahrav/audit-mill/internal/infra/queue/kafka/tracing"
	"github.com/ahrav/audit-mill/pkg/common/logger"
)

var _ notification.Notifier = (*Notifier)(nil)

// Notifier publishes notification events to a topic for a mailer to pick up.
// Delivery failures are logged and dropped.
type Notifier struct {
	topic    string
	producer sarama.SyncProducer

	logger *logger.Logger
	tracer trace.Tracer
}

// NewNotifier creates a Notifier writing to topic.
func NewNotifier(topic string, producer sarama.SyncProducer, logger *logger.Logger, tracer trace.Tracer) *Notifier {
	return &Notifier{
		topic:    topic,
		producer: producer,
		logger:   logger.With("component", "kafka_notifier", "topic", topic),
		tracer:   tracer,
	}
}

func (n *Notifier) Notify(ctx context.Context, evt notification.Event) {
	ctx, span := tracing.StartProducerSpan(ctx, n.topic, n.tracer)
	defer span.End()

	body, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal notification")
		n.logger.Error(ctx, "Failed to marshal notification", "subject", evt.Subject, "error", err)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(evt.Audience),
		Value: sarama.ByteEncoder(body),
	}
	tracing.InjectTraceContext(ctx, msg)

	if _, _, err := n.producer.SendMessage(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish notification")
		n.logger.Error(ctx, "Failed to publish notification", "subject", evt.Subject, "error", err)
	}
}
