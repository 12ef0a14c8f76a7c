package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSource subscribes to a subject and reads one message per NATS message.
// Instances sharing a queue group split the stream between them.
type NATSSource struct {
	url     string
	subject string
	queue   string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewNATSSource creates a source for subject on the server at url. queue may
// be empty for a plain subscription.
func NewNATSSource(url, subject, queue string) *NATSSource {
	return &NATSSource{url: url, subject: subject, queue: queue}
}

func (s *NATSSource) Messages(ctx context.Context) (<-chan Message, error) {
	nc, err := nats.Connect(s.url,
		nats.Name("sitesentry"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	msgs := make(chan *nats.Msg, 256)
	var sub *nats.Subscription
	if s.queue != "" {
		sub, err = nc.ChanQueueSubscribe(s.subject, s.queue, msgs)
	} else {
		sub, err = nc.ChanSubscribe(s.subject, msgs)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", s.subject, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer nc.Close()
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgs:
				msg, err := decode(m.Data)
				if err != nil {
					slog.Warn("skipping invalid nats message", "subject", m.Subject, "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	slog.Info("nats subscription started", "subject", s.subject, "queue", s.queue)
	return out, nil
}

func (s *NATSSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}
