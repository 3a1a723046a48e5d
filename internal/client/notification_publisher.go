package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-records-workflow/internal/service"
)

// EventPublisher publishes raw event payloads. *nats.Client implements it.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher publishes workflow events to NATS JetStream for
// consumption by the notifications service.
//
// Subject convention: notifications.records.<event_type>
type NotificationPublisher struct {
	pub EventPublisher
	log *logger.Logger
}

var _ service.Notifier = (*NotificationPublisher)(nil)

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// EventActionRequired is published when assignments are created.
const EventActionRequired = "action_required"

// NewNotificationPublisher creates a publisher backed by pub.
func NewNotificationPublisher(pub EventPublisher, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{pub: pub, log: log}
}

// NotifyActionRequired tells the recipients that a request awaits them.
func (p *NotificationPublisher) NotifyActionRequired(ctx context.Context, n service.ActionRequired) error {
	if p.pub == nil || len(n.Recipients) == 0 {
		return nil
	}

	recipients := make([]string, 0, len(n.Recipients))
	emails := make([]string, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		recipients = append(recipients, r.ID)
		if r.Email != "" {
			emails = append(emails, r.Email)
		}
	}

	event := &NotificationEvent{
		EventType:    EventActionRequired,
		Recipients:   recipients,
		ResourceType: "records_request",
		ResourceID:   n.RequestID,
		IsActionable: true,
		Severity:     "info",
		Category:     n.Category,
		Payload: map[string]interface{}{
			"reference_number": n.ReferenceNumber,
			"step_id":          n.StepID,
			"step_name":        n.StepName,
			"status":           n.Status,
			"emails":           emails,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	subject := "notifications.records." + EventActionRequired
	if err := p.pub.Publish(ctx, subject, data); err != nil {
		return err
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", n.RequestID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
	return nil
}
