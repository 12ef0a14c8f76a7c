package channel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/setevik/sitesentry/internal/alert"
)

// severityEmoji maps severities to title prefixes.
var severityEmoji = map[alert.Severity]string{
	alert.SevCritical: "\U0001f534", // red circle
	alert.SevHigh:     "\U0001f7e0", // orange circle
	alert.SevMedium:   "\U0001f7e1", // yellow circle
	alert.SevLow:      "\U0001f535", // blue circle
}

// typeTags maps alert types to ntfy tag names.
var typeTags = map[alert.Type]string{
	alert.TypeMalwareDetected:    "skull,biohazard",
	alert.TypeBruteForceAttack:   "lock,warning",
	alert.TypeSuspiciousLogin:    "key,warning",
	alert.TypeFileChange:         "page_facing_up",
	alert.TypeFileDeleted:        "wastebasket",
	alert.TypeIntegrityViolation: "page_facing_up,warning",
	alert.TypeCorrelationPattern: "chains,warning",
	alert.TypeTest:               "test_tube",
}

// FormatTitle builds the notification title for an alert.
func FormatTitle(instance string, a *alert.Alert, escalation int) string {
	emoji := severityEmoji[a.Severity]
	if emoji == "" {
		emoji = "\u2757" // exclamation mark
	}
	prefix := ""
	if escalation > 0 {
		prefix = fmt.Sprintf("ESCALATED (L%d) ", escalation)
	}
	if instance == "" {
		return fmt.Sprintf("%s %s%s", emoji, prefix, a.Title)
	}
	return fmt.Sprintf("%s [%s] %s%s", emoji, instance, prefix, a.Title)
}

// FormatBody builds the plain-text notification body for an alert.
func FormatBody(instance string, a *alert.Alert, escalation int) string {
	var b strings.Builder

	if instance != "" {
		fmt.Fprintf(&b, "Site: %s\n", instance)
	}
	fmt.Fprintf(&b, "Severity: %s\n", a.Severity)
	fmt.Fprintf(&b, "Type: %s\n", a.Type)
	fmt.Fprintf(&b, "Time: %s\n", a.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if a.DuplicateCount > 1 {
		fmt.Fprintf(&b, "Occurrences: %d\n", a.DuplicateCount)
	}
	if escalation > 0 {
		fmt.Fprintf(&b, "Escalation level: %d (still unresolved)\n", escalation)
	}

	if a.Message != "" {
		b.WriteString("\n")
		b.WriteString(a.Message)
		b.WriteString("\n")
	}

	if len(a.Details) > 0 {
		keys := make([]string, 0, len(a.Details))
		for k := range a.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %v\n", k, a.Details[k])
		}
	}

	fmt.Fprintf(&b, "\nAlert ID: %s", a.ID)
	return b.String()
}

// TagsForType returns the ntfy tags string for an alert type.
func TagsForType(t alert.Type) string {
	if tags, ok := typeTags[t]; ok {
		return tags
	}
	return "warning"
}
