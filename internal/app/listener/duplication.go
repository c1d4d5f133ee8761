package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahrav/audit-mill/internal/domain/listener"
	"github.com/ahrav/audit-mill/internal/domain/producer"
)

// StorageChange is the event a storage provider publishes when content in a
// tenant space is created, updated or deleted.
type StorageChange struct {
	Account   string `json:"account"`
	StoreID   string `json:"store_id"`
	SpaceID   string `json:"space_id"`
	ContentID string `json:"content_id,omitempty"`
	Action    string `json:"action"`
}

var _ listener.MessageHandler = (*DuplicationHandler)(nil)

// DuplicationHandler turns storage change events received by a tenant's
// consumer into duplication tasks on the task queue.
type DuplicationHandler struct {
	sink producer.TaskSink
	now  func() time.Time
}

// NewDuplicationHandler creates a handler pushing to sink.
func NewDuplicationHandler(sink producer.TaskSink) *DuplicationHandler {
	return &DuplicationHandler{sink: sink, now: time.Now}
}

// Handle decodes msg and pushes one duplication task. The subdomain of the
// task is taken from the routing key when it belongs to the event's account.
func (h *DuplicationHandler) Handle(ctx context.Context, msg listener.Message) error {
	var change StorageChange
	if err := json.Unmarshal(msg.Body, &change); err != nil {
		return fmt.Errorf("decoding storage change on %s: %w", msg.RoutingKey, err)
	}
	if change.Account == "" || change.SpaceID == "" {
		return fmt.Errorf("storage change on %s missing account or space", msg.RoutingKey)
	}

	subdomain := subdomainOf(msg.RoutingKey, change.Account)
	task := producer.NewTask(producer.TaskTypeDuplication,
		change.Account, subdomain, change.SpaceID, change.ContentID, h.now())
	task.Attributes = map[string]string{"action": change.Action}
	if change.StoreID != "" {
		task.Attributes["store_id"] = change.StoreID
	}

	if err := h.sink.Push(ctx, task); err != nil {
		return &producer.SinkPushError{TaskID: task.ID.String(), Err: err}
	}
	return nil
}

func subdomainOf(routingKey, account string) string {
	if acct, sd, ok := listener.ParseRoutingKey(routingKey); ok && acct == account {
		return sd
	}
	return ""
}
