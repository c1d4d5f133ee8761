// Package notification defines the fire-and-forget notification sink used to
// surface operational failures to humans.
package notification

import (
	"context"
	"time"
)

// Severity ranks how urgently an event needs attention.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Audience selects which recipient list an event is routed to.
type Audience string

const (
	AudienceTechnical    Audience = "technical"
	AudienceNonTechnical Audience = "non-technical"
)

// Event is a single notification.
type Event struct {
	Subject    string            `json:"subject"`
	Message    string            `json:"message"`
	Severity   Severity          `json:"severity"`
	Audience   Audience          `json:"audience"`
	Recipients []string          `json:"recipients,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier delivers events. Delivery failures are the notifier's own concern
// and never reach the caller.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}
