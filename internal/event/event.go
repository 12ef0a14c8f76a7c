// Package event defines the core data model for sitesentry events.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownType is returned when an event type is not in the closed set.
var ErrUnknownType = errors.New("unknown event type")

// ErrUnknownPriority is returned when a priority is not low/medium/high/critical.
var ErrUnknownPriority = errors.New("unknown event priority")

// Type classifies a security-relevant observation.
type Type string

const (
	TypeFileChange            Type = "file_change"
	TypeFileCreation          Type = "file_creation"
	TypeFileDeletion          Type = "file_deletion"
	TypeLoginAttempt          Type = "login_attempt"
	TypeLoginSuccess          Type = "login_success"
	TypeLoginFailure          Type = "login_failure"
	TypeAdminAction           Type = "admin_action"
	TypeMalwareDetected       Type = "malware_detected"
	TypeSuspiciousActivity    Type = "suspicious_activity"
	TypeVulnerabilityDetected Type = "vulnerability_detected"
	TypeConfigurationChange   Type = "configuration_change"
	TypeUserRegistration      Type = "user_registration"
	TypePluginActivation      Type = "plugin_activation"
	TypeThemeChange           Type = "theme_change"
	TypeDatabaseQuery         Type = "database_query"
	TypeNetworkRequest        Type = "network_request"
	TypeErrorOccurrence       Type = "error_occurrence"
)

// Types lists every valid event type.
var Types = []Type{
	TypeFileChange,
	TypeFileCreation,
	TypeFileDeletion,
	TypeLoginAttempt,
	TypeLoginSuccess,
	TypeLoginFailure,
	TypeAdminAction,
	TypeMalwareDetected,
	TypeSuspiciousActivity,
	TypeVulnerabilityDetected,
	TypeConfigurationChange,
	TypeUserRegistration,
	TypePluginActivation,
	TypeThemeChange,
	TypeDatabaseQuery,
	TypeNetworkRequest,
	TypeErrorOccurrence,
}

// Valid reports whether t is in the closed set of event types.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Label returns a human-readable label for the type.
func (t Type) Label() string {
	s := strings.ReplaceAll(string(t), "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ParseType validates s as an event type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Priority is the queueing urgency assigned by the collector.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities for draining: critical=0 drains first, low=3 last.
// Unknown priorities rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ParsePriority validates s as a priority. Empty input maps to medium.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return PriorityMedium, nil
	}
	if p.Rank() > 3 {
		return "", fmt.Errorf("%w: %q", ErrUnknownPriority, s)
	}
	return p, nil
}

// Correlation is the result of matching an event against correlation rules.
type Correlation struct {
	CorrelationID     string   `json:"correlation_id"`
	PatternsDetected  []string `json:"patterns_detected"`
	RiskAmplification int      `json:"risk_amplification"`
	CorrelatedEvents  []string `json:"correlated_events"`
}

// HasPattern reports whether the named rule fired.
func (c *Correlation) HasPattern(name string) bool {
	if c == nil {
		return false
	}
	for _, p := range c.PatternsDetected {
		if p == name {
			return true
		}
	}
	return false
}

// Event is a discrete observation submitted by a collector.
type Event struct {
	ID            string
	Type          Type
	Data          Data
	Priority      Priority
	CreatedAt     time.Time
	CorrelationID string
	RiskScore     int
	Correlation   *Correlation
	Result        map[string]any
	Processed     bool
	ProcessedAt   time.Time
	Attempts      int
}

// New creates an Event with a time-ordered UUIDv7 id and a derived correlation id.
func New(t Type, data Data, p Priority, now time.Time) *Event {
	if data == nil {
		data = Data{}
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Event{
		ID:            id.String(),
		Type:          t,
		Data:          data,
		Priority:      p,
		CreatedAt:     now,
		CorrelationID: CorrelationID(t, data, now),
	}
}

// CorrelationID derives a stable grouping key from type, ip, user and the hour
// bucket so that related events share an id without a join.
func CorrelationID(t Type, data Data, ts time.Time) string {
	key := strings.Join([]string{
		string(t),
		data.IP(),
		data.UserID(),
		ts.UTC().Format("2006010215"),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// IP returns the event's associated IP address, if any.
func (e *Event) IP() string { return e.Data.IP() }

// UserID returns the acting user id, if any.
func (e *Event) UserID() string { return e.Data.UserID() }

// FilePath returns the affected file path, if any.
func (e *Event) FilePath() string { return e.Data.FilePath() }
