package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/audit-mill/internal/domain/notification"
	"github.com/ahrav/audit-mill/pkg/common/logger"
)

type captureNotifier struct{ events []notification.Event }

func (c *captureNotifier) Notify(_ context.Context, evt notification.Event) {
	c.events = append(c.events, evt)
}

func TestFanout_AttachesRecipientsByAudience(t *testing.T) {
	a, b := &captureNotifier{}, &captureNotifier{}
	f := NewFanout(Recipients{
		Technical:    []string{"ops@example.com"},
		NonTechnical: []string{"support@example.com"},
	}, a, b)
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return fixed }

	ctx := context.Background()
	f.Notify(ctx, notification.Event{Subject: "s1", Severity: notification.SeverityError})
	f.Notify(ctx, notification.Event{Subject: "s2", Audience: notification.AudienceNonTechnical})
	f.Notify(ctx, notification.Event{Subject: "s3", Recipients: []string{"me@example.com"}})

	require.Len(t, a.events, 3)
	assert.Equal(t, a.events, b.events)

	assert.Equal(t, notification.AudienceTechnical, a.events[0].Audience)
	assert.Equal(t, []string{"ops@example.com"}, a.events[0].Recipients)
	assert.Equal(t, fixed, a.events[0].OccurredAt)
	assert.Equal(t, []string{"support@example.com"}, a.events[1].Recipients)
	assert.Equal(t, []string{"me@example.com"}, a.events[2].Recipients)
}

func TestLogNotifier_LevelFollowsSeverity(t *testing.T) {
	tests := []struct {
		severity notification.Severity
		level    string
	}{
		{notification.SeverityError, "ERROR"},
		{notification.SeverityWarning, "WARN"},
		{notification.SeverityInfo, "INFO"},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.New(&buf, logger.LevelDebug, "test", nil)
			NewLogNotifier(log).Notify(context.Background(), notification.Event{
				Subject:    "container failed",
				Message:    "creating container acme/x#0 failed",
				Severity:   tt.severity,
				Attributes: map[string]string{"account": "acme"},
			})

			var rec map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &rec))
			assert.Equal(t, tt.level, rec["level"])
			assert.Equal(t, "container failed", rec["subject"])
			assert.Equal(t, "acme", rec["account"])
		})
	}
}
