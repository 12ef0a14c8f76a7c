package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/setevik/sitesentry/internal/alert"
)

var slackColors = map[alert.Severity]string{
	alert.SevCritical: "#d00000",
	alert.SevHigh:     "#ff8c00",
	alert.SevMedium:   "#f2c744",
	alert.SevLow:      "#439fe0",
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Slack posts alerts to an incoming webhook.
type Slack struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlack creates a Slack channel. channel overrides the webhook default
// when set.
func NewSlack(webhookURL, channel string) (*Slack, error) {
	if !isHTTPURL(webhookURL) {
		return nil, fmt.Errorf("slack: invalid webhook url %q (expected https://hooks.slack.com/services/...)", maskURL(webhookURL))
	}
	return &Slack{
		webhookURL: webhookURL,
		channel:    channel,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Modes() []Mode {
	return []Mode{ModeImmediate, ModeBatch}
}

func buildSlackMessage(channel string, n Notice) slackMessage {
	msg := slackMessage{Channel: channel, Text: n.Title()}
	a := n.Alert
	if a == nil {
		msg.Attachments = []slackAttachment{{Color: "#808080", Text: n.Body()}}
		return msg
	}

	att := slackAttachment{
		Color: slackColors[a.Severity],
		Text:  a.Message,
		Fields: []slackField{
			{Title: "Severity", Value: strings.ToUpper(string(a.Severity)), Short: true},
			{Title: "Type", Value: string(a.Type), Short: true},
		},
		Footer: "alert " + a.ID,
	}
	if n.IsEscalation() {
		att.Fields = append(att.Fields, slackField{Title: "Escalation", Value: fmt.Sprintf("level %d", n.Escalation), Short: true})
	}
	if a.DuplicateCount > 1 {
		att.Fields = append(att.Fields, slackField{Title: "Occurrences", Value: fmt.Sprintf("%d", a.DuplicateCount), Short: true})
	}
	msg.Attachments = []slackAttachment{att}
	return msg
}

// Send posts the notice as a Slack message with a severity-colored attachment.
func (s *Slack) Send(ctx context.Context, n Notice) error {
	body, err := json.Marshal(buildSlackMessage(s.channel, n))
	if err != nil {
		return fmt.Errorf("slack: marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: sending to %s: %w", maskURL(s.webhookURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// maskURL hides the secret tail of webhook URLs in logs and errors.
func maskURL(url string) string {
	if len(url) > 50 {
		return url[:30] + "..." + url[len(url)-10:]
	}
	return url
}
