package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// Notification event types.
const (
	EventApprovalRequired = "approval_required"
	EventRequestApproved  = "request_approved"
	EventRequestRejected  = "request_rejected"
	EventRequestEscalated = "request_escalated"
	EventRequestCancelled = "request_cancelled"
	EventOverrideNotice   = "override_notice"
)

// Notification tells one recipient about one request event. Exactly one of
// RecipientRole and RecipientUserID is set.
type Notification struct {
	RecipientRole   string                 `json:"recipient_role,omitempty"`
	RecipientUserID string                 `json:"recipient_user_id,omitempty"`
	RequestID       string                 `json:"request_id"`
	Category        string                 `json:"category"`
	EventType       string                 `json:"event_type"`
	Action          repository.AuditAction `json:"action"`
	Lane            repository.Lane        `json:"lane"`
	StepOrder       int                    `json:"step_order,omitempty"`
	ActorID         string                 `json:"actor_id"`
	OccurredAt      time.Time              `json:"occurred_at"`
}

// NotificationSink delivers routed notifications.
type NotificationSink interface {
	Deliver(ctx context.Context, notifications []Notification) error
}

// NotificationRouter turns committed audit entries into notifications.
// Delivery failures are logged and never affect the request.
type NotificationRouter struct {
	sink    NotificationSink
	metrics *Metrics
	log     *logger.Logger
}

// NewNotificationRouter creates a router delivering to sink.
func NewNotificationRouter(sink NotificationSink, metrics *Metrics, log *logger.Logger) *NotificationRouter {
	return &NotificationRouter{sink: sink, metrics: metrics, log: log.Component("notification_router")}
}

// HandleAudit implements AuditSubscriber.
func (r *NotificationRouter) HandleAudit(ctx context.Context, req *repository.ApprovalRequest, entry *repository.AuditEntry) {
	notifications := r.Route(req, entry)
	if len(notifications) == 0 {
		return
	}
	for _, n := range notifications {
		r.metrics.notifications.WithLabelValues(n.EventType).Inc()
	}
	if err := r.sink.Deliver(ctx, notifications); err != nil {
		r.metrics.notifyFailures.Inc()
		r.log.Warn().Err(err).
			Str("request_id", req.ID).
			Str("action", string(entry.Action)).
			Int("notifications", len(notifications)).
			Msg("notification: delivery failed (non-fatal)")
	}
}

// Route computes the de-duplicated notifications for entry, given req as it
// stands after the transition was committed.
func (r *NotificationRouter) Route(req *repository.ApprovalRequest, entry *repository.AuditEntry) []Notification {
	b := notificationBuilder{req: req, entry: entry, seen: make(map[string]bool)}

	switch entry.Action {
	case repository.ActionSubmitted:
		if step := req.CurrentStep(); step != nil {
			b.role(step.Role, EventApprovalRequired)
		}

	case repository.ActionApproved, repository.ActionRejected:
		if !entry.Terminal {
			if step := req.CurrentStep(); step != nil {
				b.role(step.Role, EventApprovalRequired)
			}
			break
		}
		event := EventRequestApproved
		if entry.Action == repository.ActionRejected {
			event = EventRequestRejected
		}
		b.user(req.RequesterID, event)
		for _, role := range req.Policy.OutcomeNotifyRoles {
			b.role(role, event)
		}
		if entry.Lane == repository.LaneManualOverride {
			for _, step := range req.Steps {
				b.role(step.OriginalRole, EventOverrideNotice)
				b.role(step.Role, EventOverrideNotice)
			}
		}

	case repository.ActionEscalated:
		if entry.TargetRole != "" {
			b.role(entry.TargetRole, EventRequestEscalated)
		}

	case repository.ActionCancelled:
		for _, step := range req.Steps {
			if step.Order == entry.StepOrder {
				b.role(step.Role, EventRequestCancelled)
			}
		}
	}
	return b.out
}

type notificationBuilder struct {
	req   *repository.ApprovalRequest
	entry *repository.AuditEntry
	seen  map[string]bool
	out   []Notification
}

func (b *notificationBuilder) role(role, event string) {
	if role == "" {
		return
	}
	b.add(Notification{RecipientRole: role, EventType: event}, "role:"+role+":"+event)
}

func (b *notificationBuilder) user(id, event string) {
	if id == "" {
		return
	}
	b.add(Notification{RecipientUserID: id, EventType: event}, "user:"+id+":"+event)
}

func (b *notificationBuilder) add(n Notification, key string) {
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	n.RequestID = b.req.ID
	n.Category = b.req.Category
	n.Action = b.entry.Action
	n.Lane = b.entry.Lane
	n.StepOrder = b.entry.StepOrder
	n.ActorID = b.entry.ActorID
	n.OccurredAt = b.entry.Timestamp
	b.out = append(b.out, n)
}

// LogSink writes notifications to the service log. It is used when no message
// broker is configured.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.Component("notifications")}
}

func (s *LogSink) Deliver(ctx context.Context, notifications []Notification) error {
	for _, n := range notifications {
		s.log.Info().
			Str("event_type", n.EventType).
			Str("request_id", n.RequestID).
			Str("recipient_role", n.RecipientRole).
			Str("recipient_user_id", n.RecipientUserID).
			Msg("notification")
	}
	return nil
}
