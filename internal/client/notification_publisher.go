package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

// JetStreamPublisher is the subset of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher publishes approval notifications to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g. notifications.hr.approval_required
// Event types: approval_required, request_approved, request_rejected,
//              request_escalated, request_cancelled, override_notice
//
// One message is published per event type, carrying every recipient of that
// event. Failures are logged and returned; the router treats them as non-fatal.
type NotificationPublisher struct {
	js     JetStreamPublisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType        string    `json:"event_type"`
	RequestID        string    `json:"request_id"`
	ActorID          string    `json:"actor_id"`
	RecipientRoles   []string  `json:"recipient_roles,omitempty"`
	RecipientUserIDs []string  `json:"recipient_user_ids,omitempty"`
	ResourceType     string    `json:"resource_type"`
	IsActionable     bool      `json:"is_actionable,omitempty"`
	Severity         string    `json:"severity,omitempty"`
	Category         string    `json:"category"`
	Action           string    `json:"action"`
	Lane             string    `json:"lane"`
	StepOrder        int       `json:"step_order,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// NewNotificationPublisher creates a publisher on the given JetStream context.
func NewNotificationPublisher(js JetStreamPublisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{js: js, prefix: prefix, log: log}
}

// ConnectJetStream dials NATS and makes sure a stream captures prefix.>.
func ConnectJetStream(ctx context.Context, url, stream, prefix string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("be-hr-approvals"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{prefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}
	return nc, js, nil
}

// Deliver implements service.NotificationSink.
func (p *NotificationPublisher) Deliver(ctx context.Context, notifications []service.Notification) error {
	if p.js == nil || len(notifications) == 0 {
		return nil
	}

	var errs []error
	for _, event := range groupByEvent(notifications) {
		data, err := json.Marshal(event)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal %s: %w", event.EventType, err))
			continue
		}

		subject := fmt.Sprintf("%s.%s", p.prefix, event.EventType)
		msgID := fmt.Sprintf("%s:%s:%s:%d", event.RequestID, event.Action, event.EventType, event.OccurredAt.UnixNano())
		if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
			p.log.Warn().Err(err).
				Str("subject", subject).
				Str("request_id", event.RequestID).
				Msg("notification: failed to publish NATS event")
			errs = append(errs, fmt.Errorf("publish %s: %w", subject, err))
			continue
		}

		p.log.Debug().
			Str("subject", subject).
			Str("request_id", event.RequestID).
			Int("recipients", len(event.RecipientRoles)+len(event.RecipientUserIDs)).
			Msg("notification: event published")
	}
	return errors.Join(errs...)
}

// groupByEvent folds notifications into one event per event type, keeping the
// order in which event types first appear.
func groupByEvent(notifications []service.Notification) []*NotificationEvent {
	var out []*NotificationEvent
	byType := make(map[string]*NotificationEvent)
	for _, n := range notifications {
		ev, ok := byType[n.EventType]
		if !ok {
			ev = &NotificationEvent{
				EventType:    n.EventType,
				RequestID:    n.RequestID,
				ActorID:      n.ActorID,
				ResourceType: "hr_request",
				IsActionable: n.EventType == service.EventApprovalRequired || n.EventType == service.EventRequestEscalated,
				Severity:     "info",
				Category:     n.Category,
				Action:       string(n.Action),
				Lane:         string(n.Lane),
				StepOrder:    n.StepOrder,
				OccurredAt:   n.OccurredAt,
			}
			byType[n.EventType] = ev
			out = append(out, ev)
		}
		if n.RecipientRole != "" {
			ev.RecipientRoles = append(ev.RecipientRoles, n.RecipientRole)
		}
		if n.RecipientUserID != "" {
			ev.RecipientUserIDs = append(ev.RecipientUserIDs, n.RecipientUserID)
		}
	}
	return out
}

var _ service.NotificationSink = (*NotificationPublisher)(nil)
