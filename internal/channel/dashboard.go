package channel

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/setevik/sitesentry/internal/store"
)

// Inbox persists dashboard notifications.
type Inbox interface {
	InsertNotification(ctx context.Context, n store.Notification) error
}

// Dashboard writes alerts into the in-app notification inbox.
type Dashboard struct {
	inbox Inbox
}

// NewDashboard creates a dashboard channel backed by inbox.
func NewDashboard(inbox Inbox) *Dashboard {
	return &Dashboard{inbox: inbox}
}

func (d *Dashboard) Name() string { return "dashboard" }

func (d *Dashboard) Modes() []Mode {
	return []Mode{ModeImmediate, ModeBatch, ModeDigest, ModePersistent}
}

// Send stores the notice as an unseen notification.
func (d *Dashboard) Send(ctx context.Context, n Notice) error {
	rec := store.Notification{
		ID:         uuid.NewString(),
		Mode:       string(n.Mode),
		Title:      n.Title(),
		Body:       n.Body(),
		Escalation: n.Escalation,
		CreatedAt:  n.SentAt,
	}
	if n.Alert != nil {
		rec.AlertID = n.Alert.ID
		rec.Severity = string(n.Alert.Severity)
	}
	if err := d.inbox.InsertNotification(ctx, rec); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
