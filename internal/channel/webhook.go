package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/setevik/sitesentry/internal/alert"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Sentry-Signature"

// WebhookPayload is the JSON document posted to webhook receivers.
type WebhookPayload struct {
	Event      string        `json:"event"`
	Mode       Mode          `json:"mode"`
	Instance   string        `json:"instance,omitempty"`
	Escalation int           `json:"escalation_level,omitempty"`
	Title      string        `json:"title"`
	Text       string        `json:"text,omitempty"`
	Alert      *PayloadAlert `json:"alert,omitempty"`
	SentAt     time.Time     `json:"sent_at"`
}

// PayloadAlert is the alert section of a payload.
type PayloadAlert struct {
	ID             string         `json:"id"`
	Type           alert.Type     `json:"type"`
	Severity       alert.Severity `json:"severity"`
	Status         alert.Status   `json:"status"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details,omitempty"`
	Source         string         `json:"source,omitempty"`
	DuplicateCount int            `json:"duplicate_count"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Webhook posts signed JSON payloads to a URL.
type Webhook struct {
	url    string
	secret []byte
	client *http.Client
}

// NewWebhook creates a webhook channel. An empty secret disables signing.
func NewWebhook(url, secret string, timeout time.Duration) (*Webhook, error) {
	if !isHTTPURL(url) {
		return nil, fmt.Errorf("webhook: invalid url %q", url)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Modes() []Mode {
	return []Mode{ModeImmediate, ModeBatch}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// NewPayload renders n as the JSON document shared by webhook and kafka.
func NewPayload(n Notice) WebhookPayload {
	payload := WebhookPayload{
		Event:      "alert",
		Mode:       n.Mode,
		Instance:   n.Instance,
		Escalation: n.Escalation,
		Title:      n.Title(),
		SentAt:     n.SentAt,
	}
	a := n.Alert
	if a == nil {
		payload.Event = "digest"
		payload.Text = n.Body()
		return payload
	}
	if n.IsEscalation() {
		payload.Event = "alert.escalated"
	}
	payload.Alert = &PayloadAlert{
		ID:             a.ID,
		Type:           a.Type,
		Severity:       a.Severity,
		Status:         a.Status,
		Title:          a.Title,
		Message:        a.Message,
		Details:        a.Details,
		Source:         a.Source,
		DuplicateCount: a.DuplicateCount,
		CreatedAt:      a.CreatedAt,
	}
	return payload
}

// Send posts the notice.
func (w *Webhook) Send(ctx context.Context, n Notice) error {
	body, err := json.Marshal(NewPayload(n))
	if err != nil {
		return fmt.Errorf("webhook: marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: sending to %s: %w", maskURL(w.url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
