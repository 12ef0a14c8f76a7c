// Package ingest carries events from external collectors into the processor:
// a subprocess pipe, a NATS subscription, and a supervisor that restarts
// either on failure.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/setevik/sitesentry/internal/event"
)

// Submission is one event handed in by an external collector.
type Submission struct {
	Type     event.Type     `json:"type"`
	Data     event.Data     `json:"data"`
	Priority event.Priority `json:"priority"`
}

// ParseSubmission decodes and validates a JSON submission. A missing
// priority defaults to medium.
func ParseSubmission(b []byte) (Submission, error) {
	var raw struct {
		Type     string     `json:"type"`
		Data     event.Data `json:"data"`
		Priority string     `json:"priority"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Submission{}, fmt.Errorf("decoding submission: %w", err)
	}
	t, err := event.ParseType(raw.Type)
	if err != nil {
		return Submission{}, err
	}
	p, err := event.ParsePriority(raw.Priority)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Type: t, Data: raw.Data, Priority: p}, nil
}

// Message is one unit read from a source: a decoded submission, or a raw
// access-log line for the login analyzer.
type Message struct {
	Submission *Submission
	Line       string
}

// decode treats JSON objects as submissions and anything else as a log line.
func decode(b []byte) (Message, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return Message{}, fmt.Errorf("empty message")
	}
	if trimmed[0] != '{' {
		return Message{Line: string(trimmed)}, nil
	}
	s, err := ParseSubmission(trimmed)
	if err != nil {
		return Message{}, err
	}
	return Message{Submission: &s}, nil
}

// Source is a stream of collector messages.
type Source interface {
	// Messages returns a channel closed when the source stops or ctx ends.
	Messages(ctx context.Context) (<-chan Message, error)

	// Stop signals the source to shut down.
	Stop()
}
