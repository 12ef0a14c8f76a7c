// Package collector holds the built-in event sources: a signature malware
// scanner, a file integrity checker and a login activity analyzer. Each one
// only talks to the processor through Queuer.
package collector

import (
	"context"

	"github.com/setevik/sitesentry/internal/event"
)

// Queuer accepts events for processing.
type Queuer interface {
	QueueEvent(ctx context.Context, t event.Type, data event.Data, p event.Priority) error
}
