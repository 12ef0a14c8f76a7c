// Package responder executes automated response actions (quarantine, IP
// blocking, backups, isolation) and records each one for audit.
package responder

import (
	"fmt"

	"github.com/setevik/sitesentry/internal/alert"
	"github.com/setevik/sitesentry/internal/event"
)

// Kind names a response action.
type Kind string

const (
	KindEmergencyQuarantine Kind = "emergency_quarantine"
	KindQuarantineFile      Kind = "quarantine_file"
	KindEnhancedMonitoring  Kind = "enhanced_monitoring"
	KindBlockIP             Kind = "block_ip"
	KindCreateBackup        Kind = "create_backup"
	KindIsolateSite         Kind = "isolate_site"
)

// Action is a response command. Handlers and the alert manager return
// actions; only the Responder performs them.
type Action struct {
	Kind   Kind   `json:"kind"`
	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (a Action) String() string {
	if a.Target == "" {
		return string(a.Kind)
	}
	return fmt.Sprintf("%s(%s)", a.Kind, a.Target)
}

// Outcomes recorded for executed actions.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// SiteTarget is the target of actions that apply to the whole site.
const SiteTarget = "site"

func detail(a *alert.Alert, key string) string {
	if a.Details == nil {
		return ""
	}
	if v, ok := a.Details[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// ActionsForAlert returns the automatic response for an alert, keyed by its
// type. It is used for severities whose policy enables auto-response.
func ActionsForAlert(a *alert.Alert) []Action {
	path := detail(a, event.KeyFilePath)
	ip := detail(a, event.KeyIPAddress)
	reason := fmt.Sprintf("auto-response to %s alert %s", a.Type, a.ID)

	var out []Action
	add := func(k Kind, target string) {
		out = append(out, Action{Kind: k, Target: target, Reason: reason})
	}

	switch a.Type {
	case alert.TypeMalwareDetected:
		if path != "" {
			add(KindQuarantineFile, path)
		}
		if ip != "" {
			add(KindBlockIP, ip)
		}
		add(KindCreateBackup, SiteTarget)
	case alert.TypeBruteForceAttack, alert.TypeSuspiciousLogin:
		if ip != "" {
			add(KindBlockIP, ip)
		}
		add(KindEnhancedMonitoring, SiteTarget)
	case alert.TypeFileChange, alert.TypeIntegrityViolation, alert.TypeFileDeleted:
		add(KindCreateBackup, SiteTarget)
		if path != "" {
			add(KindEnhancedMonitoring, path)
		}
	case alert.TypeCorrelationPattern:
		if ip != "" {
			add(KindBlockIP, ip)
		}
		add(KindIsolateSite, SiteTarget)
	default:
		add(KindEnhancedMonitoring, SiteTarget)
	}
	return out
}
