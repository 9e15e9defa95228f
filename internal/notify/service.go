// Package notify is the typed entry point producers use to publish events
// into the realtime delivery subsystem. Billing, approval and audit logic
// call these methods rather than constructing event names and payloads by
// hand, so the content of each event stays consistent across call sites.
//
// Delivery is best-effort: none of these methods return errors. A user with
// no live connection gets the event queued (where the event is owed to them
// individually) or simply misses it (tenant and channel broadcasts).
package notify

import (
	"time"

	"go.uber.org/zap"

	"github.com/numera-io/numera/internal/realtime"
)

// Event names published by this facade. Dashboards dispatch on these.
const (
	EventBudgetAlert       = "budget_alert"
	EventApprovalRequested = "approval_requested"
	EventApprovalDecided   = "approval_decided"
	EventAuditNotice       = "audit_notice"
	EventAnnouncement      = "announcement"
)

// Service publishes typed notification events through the Dispatcher.
//
// The zero value is not usable — create instances with NewService.
type Service struct {
	dispatcher *realtime.Dispatcher
	logger     *zap.Logger
}

// NewService creates a notification Service over dispatcher.
func NewService(dispatcher *realtime.Dispatcher, logger *zap.Logger) *Service {
	return &Service{
		dispatcher: dispatcher,
		logger:     logger.Named("notify"),
	}
}

// BudgetAlert tells a user that a budget crossed a threshold. Queued for
// later delivery if the user is offline — a budget alert is owed to its
// recipient.
func (s *Service) BudgetAlert(userID, budgetID, budgetName string, spent, limit float64) {
	delivered := s.dispatcher.SendToUser(userID, EventBudgetAlert, map[string]any{
		"budget_id":   budgetID,
		"budget_name": budgetName,
		"spent":       spent,
		"limit":       limit,
	}, realtime.ChannelBudgetAlerts, true)

	s.logger.Debug("budget alert published",
		zap.String("user_id", userID),
		zap.String("budget_id", budgetID),
		zap.Int("delivered", delivered),
	)
}

// ApprovalRequested tells an approver that a request awaits their decision.
// Queued if the approver is offline.
func (s *Service) ApprovalRequested(approverID, requestID, requesterID, subject string) {
	delivered := s.dispatcher.SendToUser(approverID, EventApprovalRequested, map[string]any{
		"request_id":   requestID,
		"requester_id": requesterID,
		"subject":      subject,
	}, realtime.ChannelApprovals, true)

	s.logger.Debug("approval request published",
		zap.String("approver_id", approverID),
		zap.String("request_id", requestID),
		zap.Int("delivered", delivered),
	)
}

// ApprovalDecided tells the requester their request was approved or
// rejected. Queued if the requester is offline.
func (s *Service) ApprovalDecided(requesterID, requestID, deciderID string, approved bool) {
	delivered := s.dispatcher.SendToUser(requesterID, EventApprovalDecided, map[string]any{
		"request_id": requestID,
		"decider_id": deciderID,
		"approved":   approved,
	}, realtime.ChannelApprovals, true)

	s.logger.Debug("approval decision published",
		zap.String("requester_id", requesterID),
		zap.String("request_id", requestID),
		zap.Bool("approved", approved),
		zap.Int("delivered", delivered),
	)
}

// AuditNotice fans an audit trail event out to everyone in the tenant who
// is subscribed to the audit channel. Never queued — audit notices are a
// live broadcast, not owed to absent users individually; the audit log
// itself is the durable record.
func (s *Service) AuditNotice(tenantID, actorID, action, resource string) {
	delivered := s.dispatcher.SendToTenant(tenantID, EventAuditNotice, map[string]any{
		"actor_id":    actorID,
		"action":      action,
		"resource":    resource,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	}, realtime.ChannelAudit)

	s.logger.Debug("audit notice published",
		zap.String("tenant_id", tenantID),
		zap.String("action", action),
		zap.Int("delivered", delivered),
	)
}

// Announce broadcasts a system-wide announcement. When channel is empty the
// announcement goes to every live connection; otherwise only to that
// channel's subscribers. Returns the number of live deliveries so the admin
// endpoint can report reach.
func (s *Service) Announce(channel realtime.Channel, title, body string) int {
	payload := map[string]any{
		"title": title,
		"body":  body,
	}

	var delivered int
	if channel == "" {
		delivered = s.dispatcher.BroadcastAll(EventAnnouncement, payload)
	} else {
		delivered = s.dispatcher.BroadcastToChannel(channel, EventAnnouncement, payload, "")
	}

	s.logger.Info("announcement published",
		zap.String("channel", string(channel)),
		zap.String("title", title),
		zap.Int("delivered", delivered),
	)
	return delivered
}
