package channel

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/setevik/sitesentry/internal/alert"
)

// PriorityFunc maps a severity to an ntfy priority name.
type PriorityFunc func(severity string) string

// Ntfy pushes alerts to an ntfy topic. It is the phone-push channel used for
// urgent and persistent delivery.
type Ntfy struct {
	url      string
	priority PriorityFunc
	client   *http.Client
}

// NewNtfy creates an ntfy channel posting to url.
func NewNtfy(url string, priority PriorityFunc) (*Ntfy, error) {
	if !isHTTPURL(url) {
		return nil, fmt.Errorf("ntfy: invalid url %q", url)
	}
	return &Ntfy{
		url:      url,
		priority: priority,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

func (r *Ntfy) Name() string { return "ntfy" }

func (r *Ntfy) Modes() []Mode {
	return []Mode{ModeImmediate, ModePersistent}
}

// Send posts the notice body with title, priority and tag headers.
func (r *Ntfy) Send(ctx context.Context, n Notice) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, strings.NewReader(n.Body()))
	if err != nil {
		return fmt.Errorf("creating ntfy request: %w", err)
	}

	priority := "default"
	tags := "bar_chart"
	if n.Alert != nil {
		if r.priority != nil {
			priority = r.priority(string(n.Alert.Severity))
		}
		if n.IsEscalation() && n.Alert.Severity == alert.SevCritical {
			priority = "max"
		}
		tags = TagsForType(n.Alert.Type)
	}

	req.Header.Set("Title", n.Title())
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}
	return nil
}
