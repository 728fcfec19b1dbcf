// Package notify delivers best-effort reviewer notifications. Delivery
// failures are logged and dropped: pending work is always discoverable by
// polling, notifications only shorten the time to discovery.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
)

const defaultTimeout = 10 * time.Second

// WebhookNotifier POSTs a ticket summary to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger.With("module", "webhook_notifier"),
	}
}

// TicketPending notifies reviewers of a ticket awaiting decisions.
func (n *WebhookNotifier) TicketPending(ctx context.Context, ticket *models.ReviewTicket) {
	if n.url == "" {
		return
	}

	payload := map[string]any{
		"ticket_id":      ticket.ID,
		"instance_id":    ticket.InstanceID,
		"step_id":        ticket.StepID,
		"required_role":  ticket.RequiredRole,
		"assigned_actor": ticket.AssignedActor,
		"quorum":         ticket.Quorum,
		"deadline":       ticket.Deadline.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.ErrorContext(ctx, "Failed to marshal notification", "ticket_id", ticket.ID, "error", err)

		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.ErrorContext(ctx, "Failed to build notification request", "ticket_id", ticket.ID, "error", err)

		return
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.WarnContext(ctx, "Notification delivery failed", "ticket_id", ticket.ID, "error", err)

		return
	}

	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		n.logger.WarnContext(ctx, "Notification rejected",
			"ticket_id", ticket.ID, "status", resp.StatusCode)
	}
}
