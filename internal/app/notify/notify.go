// Package notify delivers notification events to operators.
package notify

import (
	"context"
	"slices"
	"time"

	"github.com/ahrav/audit-mill/internal/domain/notification"
	"github.com/ahrav/audit-mill/pkg/common/logger"
)

var (
	_ notification.Notifier = (*LogNotifier)(nil)
	_ notification.Notifier = (*Fanout)(nil)
)

// LogNotifier writes events to the log at a level matching their severity.
type LogNotifier struct {
	logger *logger.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *logger.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) Notify(ctx context.Context, evt notification.Event) {
	args := []any{
		"subject", evt.Subject,
		"severity", evt.Severity,
		"audience", evt.Audience,
		"recipients", evt.Recipients,
	}
	for k, v := range evt.Attributes {
		args = append(args, k, v)
	}

	switch evt.Severity {
	case notification.SeverityError:
		n.logger.Error(ctx, evt.Message, args...)
	case notification.SeverityWarning:
		n.logger.Warn(ctx, evt.Message, args...)
	default:
		n.logger.Info(ctx, evt.Message, args...)
	}
}

// Recipients are the addresses attached to events per audience.
type Recipients struct {
	Technical    []string
	NonTechnical []string
}

func (r Recipients) forAudience(a notification.Audience) []string {
	if a == notification.AudienceNonTechnical {
		return r.NonTechnical
	}
	return r.Technical
}

// Fanout stamps events with their recipients and occurrence time and hands
// them to every target in order.
type Fanout struct {
	recipients Recipients
	targets    []notification.Notifier
	now        func() time.Time
}

// NewFanout creates a Fanout over targets.
func NewFanout(recipients Recipients, targets ...notification.Notifier) *Fanout {
	return &Fanout{recipients: recipients, targets: targets, now: time.Now}
}

func (f *Fanout) Notify(ctx context.Context, evt notification.Event) {
	if evt.Audience == "" {
		evt.Audience = notification.AudienceTechnical
	}
	if len(evt.Recipients) == 0 {
		evt.Recipients = slices.Clone(f.recipients.forAudience(evt.Audience))
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = f.now()
	}
	for _, t := range f.targets {
		t.Notify(ctx, evt)
	}
}
