package alerting

import (
	"time"

	"github.com/setevik/sitesentry/internal/alert"
	"github.com/setevik/sitesentry/internal/config"
)

// Policy is the delivery and escalation rule for one severity.
type Policy struct {
	ImmediateNotify bool
	Delay           time.Duration
	MaxEscalations  int
	Channels        []string
	AutoResponse    bool
}

// Escalates reports whether the scheduler should ever raise alerts under p.
func (p Policy) Escalates() bool {
	return p.MaxEscalations > 0 && p.Delay > 0
}

// PoliciesFromConfig converts the [alerts.escalation] tables.
func PoliciesFromConfig(c map[string]config.EscalationConfig) map[alert.Severity]Policy {
	out := make(map[alert.Severity]Policy, len(c))
	for sev, ec := range c {
		out[alert.Severity(sev)] = Policy{
			ImmediateNotify: ec.ImmediateNotify,
			Delay:           ec.Delay.Duration,
			MaxEscalations:  ec.MaxEscalations,
			Channels:        ec.Channels,
			AutoResponse:    ec.AutoResponse,
		}
	}
	return out
}

// OptionsFromConfig maps the [alerts] and [db] sections to manager options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Instance:            cfg.Instance.ID,
		DuplicateWindow:     cfg.Alerts.DuplicateWindow.Duration,
		BatchSize:           cfg.Alerts.BatchSize,
		AlertRetention:      cfg.DB.AlertRetention.Duration,
		LowAutoResolveAfter: cfg.Alerts.LowAutoResolveAfter.Duration,
		Policies:            PoliciesFromConfig(cfg.Alerts.Escalation),
	}
}
