package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"
)

// mailer is the subset of the Resend client the email channel needs.
type mailer interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Email sends alerts through the Resend API.
type Email struct {
	mailer mailer
	from   string
	to     []string
}

// NewEmail creates an email channel using the given Resend API key.
func NewEmail(apiKey, from string, to []string) (*Email, error) {
	if apiKey == "" {
		return nil, errors.New("email: api_key is required")
	}
	if from == "" || len(to) == 0 {
		return nil, errors.New("email: from and to are required")
	}
	client := resend.NewClient(apiKey)
	return &Email{mailer: client.Emails, from: from, to: to}, nil
}

func (e *Email) Name() string { return "email" }

func (e *Email) Modes() []Mode {
	return []Mode{ModeImmediate, ModeBatch, ModeDigest}
}

// Send delivers the notice as a plain-text email.
func (e *Email) Send(ctx context.Context, n Notice) error {
	params := &resend.SendEmailRequest{
		From:    e.from,
		To:      e.to,
		Subject: n.Title(),
		Text:    n.Body(),
	}

	result, err := e.mailer.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("email: resend send failed: %w", err)
	}

	slog.Debug("email sent", "email_id", result.Id, "to", e.to, "subject", params.Subject)
	return nil
}
