// Package channel delivers alerts to external destinations. The alert
// manager only sees the Channel contract; transport details live here.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/setevik/sitesentry/internal/alert"
)

// Mode is how an alert reaches a channel.
type Mode string

const (
	ModeImmediate  Mode = "immediate"
	ModeBatch      Mode = "batch"
	ModeDigest     Mode = "digest"
	ModePersistent Mode = "persistent"
)

// ErrUnsupportedMode is returned when a channel is asked to deliver in a
// mode it does not declare.
var ErrUnsupportedMode = errors.New("delivery mode not supported")

// Notice is one delivery request. Alert is nil for digests, which carry a
// pre-rendered Subject and Text instead.
type Notice struct {
	Alert      *alert.Alert
	Mode       Mode
	Escalation int // escalation level; 0 for first delivery
	Instance   string
	Subject    string
	Text       string
	SentAt     time.Time
}

// IsEscalation reports whether the notice re-sends an escalated alert.
func (n Notice) IsEscalation() bool {
	return n.Escalation > 0
}

// Title returns the rendered title for the notice.
func (n Notice) Title() string {
	if n.Subject != "" || n.Alert == nil {
		return n.Subject
	}
	return FormatTitle(n.Instance, n.Alert, n.Escalation)
}

// Body returns the rendered plain-text body for the notice.
func (n Notice) Body() string {
	if n.Text != "" || n.Alert == nil {
		return n.Text
	}
	return FormatBody(n.Instance, n.Alert, n.Escalation)
}

// Channel is a delivery mechanism.
type Channel interface {
	Name() string
	Modes() []Mode
	Send(ctx context.Context, n Notice) error
}

// Supports reports whether ch declares mode.
func Supports(ch Channel, mode Mode) bool {
	for _, m := range ch.Modes() {
		if m == mode {
			return true
		}
	}
	return false
}

// Send checks the mode contract before delivering.
func Send(ctx context.Context, ch Channel, n Notice) error {
	if !Supports(ch, n.Mode) {
		return fmt.Errorf("%s: %w: %s", ch.Name(), ErrUnsupportedMode, n.Mode)
	}
	return ch.Send(ctx, n)
}

type entry struct {
	ch      Channel
	perHour int
}

// Registry holds the enabled channels and their hourly caps. It is built once
// at start-up and read concurrently afterwards.
type Registry struct {
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds ch with an hourly cap (0 = unlimited), replacing any channel
// of the same name.
func (r *Registry) Register(ch Channel, perHour int) {
	r.entries[ch.Name()] = entry{ch: ch, perHour: perHour}
}

// Get returns the named channel and its hourly cap.
func (r *Registry) Get(name string) (Channel, int, bool) {
	e, ok := r.entries[name]
	return e.ch, e.perHour, ok
}

// Names returns registered channel names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases channels that hold connections.
func (r *Registry) Close() error {
	var errs []error
	for _, e := range r.entries {
		if c, ok := e.ch.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", e.ch.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
