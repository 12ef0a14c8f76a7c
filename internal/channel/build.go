package channel

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/setevik/sitesentry/internal/config"
)

// FromConfig builds a registry with every enabled channel. A channel whose
// settings are incomplete is an error rather than silently skipped.
func FromConfig(cfg *config.Config, inbox Inbox) (*Registry, error) {
	r := NewRegistry()
	c := cfg.Channels
	var errs []error

	if c.Dashboard.Enabled {
		if inbox == nil {
			errs = append(errs, errors.New("dashboard: no notification store"))
		} else {
			r.Register(NewDashboard(inbox), c.Dashboard.RateLimitPerHour)
		}
	}
	if c.Email.Enabled {
		ch, err := NewEmail(c.Email.APIKey, c.Email.From, c.Email.To)
		register(r, ch, c.Email.RateLimitPerHour, err, &errs)
	}
	if c.Webhook.Enabled {
		ch, err := NewWebhook(c.Webhook.URL, c.Webhook.Secret, c.Webhook.Timeout.Duration)
		register(r, ch, c.Webhook.RateLimitPerHour, err, &errs)
	}
	if c.Ntfy.Enabled {
		ch, err := NewNtfy(c.Ntfy.URL, cfg.NtfyPriority)
		register(r, ch, c.Ntfy.RateLimitPerHour, err, &errs)
	}
	if c.Slack.Enabled {
		ch, err := NewSlack(c.Slack.WebhookURL, c.Slack.Channel)
		register(r, ch, c.Slack.RateLimitPerHour, err, &errs)
	}
	if c.Kafka.Enabled {
		ch, err := NewKafka(c.Kafka.Brokers, c.Kafka.Topic)
		register(r, ch, c.Kafka.RateLimitPerHour, err, &errs)
	}
	if c.Log.Enabled {
		r.Register(NewLog(nil), c.Log.RateLimitPerHour)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("configuring channels: %w", err)
	}
	slog.Debug("channels configured", "channels", r.Names())
	return r, nil
}

func register(r *Registry, ch Channel, perHour int, err error, errs *[]error) {
	if err != nil {
		*errs = append(*errs, err)
		return
	}
	r.Register(ch, perHour)
}
