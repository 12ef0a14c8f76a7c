// Package alert defines the persisted, user-facing security alert and its
// lifecycle rules.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrValidation marks a rejected alert request; no state was written.
	ErrValidation = errors.New("invalid alert")
	// ErrNotFound is returned when an alert id does not exist.
	ErrNotFound = errors.New("alert not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Severity is the alert urgency.
type Severity string

const (
	SevLow      Severity = "low"
	SevMedium   Severity = "medium"
	SevHigh     Severity = "high"
	SevCritical Severity = "critical"
)

// Severities lists severities from least to most urgent.
var Severities = []Severity{SevLow, SevMedium, SevHigh, SevCritical}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Priority() > 0
}

// Priority is the numeric mirror of severity (low=1 .. critical=4).
func (s Severity) Priority() int {
	switch s {
	case SevLow:
		return 1
	case SevMedium:
		return 2
	case SevHigh:
		return 3
	case SevCritical:
		return 4
	default:
		return 0
	}
}

// Status is a point in the alert state machine.
type Status string

const (
	StatusNew          Status = "new"
	StatusAcknowledged Status = "acknowledged"
	StatusEscalated    Status = "escalated"
	StatusResolved     Status = "resolved"
	StatusArchived     Status = "archived"
	StatusAutoResolved Status = "auto_resolved"
)

// lifecycle lists every status in state machine order.
var lifecycle = []Status{StatusNew, StatusAcknowledged, StatusEscalated, StatusResolved, StatusArchived, StatusAutoResolved}

// Open reports whether the alert still awaits resolution.
func (s Status) Open() bool {
	return s == StatusNew || s == StatusAcknowledged || s == StatusEscalated
}

// OpenStatuses returns the statuses for which Open is true.
func OpenStatuses() []Status {
	var out []Status
	for _, s := range lifecycle {
		if s.Open() {
			out = append(out, s)
		}
	}
	return out
}

var transitions = map[Status][]Status{
	StatusNew:          {StatusAcknowledged, StatusEscalated, StatusResolved, StatusAutoResolved},
	StatusAcknowledged: {StatusEscalated, StatusResolved, StatusAutoResolved},
	StatusEscalated:    {StatusEscalated, StatusResolved},
	StatusResolved:     {StatusArchived},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// From returns the statuses allowed to move to to, in lifecycle order.
// Storage uses it to guard conditional updates.
func From(to Status) []Status {
	var out []Status
	for _, s := range lifecycle {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// Type is the closed set of alert kinds.
type Type string

const (
	TypeMalwareDetected     Type = "malware_detected"
	TypeFileChange          Type = "file_change"
	TypeFileDeleted         Type = "file_deleted"
	TypeIntegrityViolation  Type = "integrity_violation"
	TypeSuspiciousActivity  Type = "suspicious_activity"
	TypeBruteForceAttack    Type = "brute_force_attack"
	TypeSuspiciousLogin     Type = "suspicious_login"
	TypeVulnerability       Type = "vulnerability_detected"
	TypeConfigurationChange Type = "configuration_change"
	TypeAdminActivity       Type = "admin_activity"
	TypeUserRegistration    Type = "user_registration"
	TypeCorrelationPattern  Type = "correlation_pattern"
	TypeSystemError         Type = "system_error"
	TypeTest                Type = "test"
)

// Types lists every valid alert type.
var Types = []Type{
	TypeMalwareDetected,
	TypeFileChange,
	TypeFileDeleted,
	TypeIntegrityViolation,
	TypeSuspiciousActivity,
	TypeBruteForceAttack,
	TypeSuspiciousLogin,
	TypeVulnerability,
	TypeConfigurationChange,
	TypeAdminActivity,
	TypeUserRegistration,
	TypeCorrelationPattern,
	TypeSystemError,
	TypeTest,
}

// Valid reports whether t is a known alert type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Alert is a durable security notification derived from one or more events.
type Alert struct {
	ID              string
	Type            Type
	Severity        Severity
	Priority        int
	Title           string
	Message         string
	Details         map[string]any
	Source          string
	Status          Status
	Signature       string
	DuplicateCount  int
	LastOccurrence  time.Time
	EscalationLevel int
	LastEscalation  time.Time
	AcknowledgedAt  time.Time
	AcknowledgedBy  string
	ResolvedAt      time.Time
	ResolvedBy      string
	Resolution      string
	Metadata        map[string]string
	Notified        bool
	Processed       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Request is the input to alert creation.
type Request struct {
	Type     Type
	Severity Severity
	Title    string
	Message  string
	Details  map[string]any
	Source   string
	Metadata map[string]string
}

// Validate checks required fields and enum membership.
func (r Request) Validate() error {
	var problems []string
	switch {
	case r.Type == "":
		problems = append(problems, "type is required")
	case !r.Type.Valid():
		problems = append(problems, fmt.Sprintf("unknown type %q", r.Type))
	}
	switch {
	case r.Severity == "":
		problems = append(problems, "severity is required")
	case !r.Severity.Valid():
		problems = append(problems, fmt.Sprintf("unknown severity %q", r.Severity))
	}
	if strings.TrimSpace(r.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(r.Message) == "" {
		problems = append(problems, "message is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Signature hashes (type, source, hash(details)). Details are marshalled with
// sorted map keys, so equal detail maps always produce the same signature.
func Signature(t Type, source string, details map[string]any) string {
	detailJSON, err := json.Marshal(details)
	if err != nil {
		detailJSON = []byte(fmt.Sprintf("%v", details))
	}
	detailSum := sha256.Sum256(detailJSON)
	sum := sha256.Sum256([]byte(string(t) + "|" + source + "|" + hex.EncodeToString(detailSum[:])))
	return hex.EncodeToString(sum[:])
}

// CreateResult reports the outcome of alert creation. Duplicate and rate
// limited outcomes are not errors; callers branch on them.
type CreateResult struct {
	AlertID     string
	Duplicate   bool
	RateLimited bool
	RetryAfter  time.Duration
	Dispatched  bool
}
