package channel

import (
	"time"

	"github.com/setevik/sitesentry/internal/alert"
)

// TestAlert builds a synthetic alert for verifying channel connectivity. It
// is never persisted.
func TestAlert(now time.Time) *alert.Alert {
	return &alert.Alert{
		ID:             "test-" + now.Format("20060102-150405"),
		Type:           alert.TypeTest,
		Severity:       alert.SevLow,
		Priority:       alert.SevLow.Priority(),
		Title:          "Test notification from sitesentry",
		Message:        "This is a test notification to verify channel connectivity.\nIf you see this, sitesentry is configured correctly.",
		Source:         "sitesentry",
		Status:         alert.StatusNew,
		DuplicateCount: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
