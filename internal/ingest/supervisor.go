package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/setevik/sitesentry/internal/metrics"
)

// SupervisorOptions tunes restart behaviour. Zero values fall back to a 1s
// initial wait, a 1m cap and unlimited restarts.
type SupervisorOptions struct {
	RestartWait time.Duration
	MaxWait     time.Duration
	MaxRestarts int
	Metrics     *metrics.Metrics
}

// SupervisedSource keeps an ingest source running. A source that fails to
// start or whose stream ends is rebuilt from the factory after a wait that
// doubles with each consecutive empty run and resets once messages flow.
type SupervisedSource struct {
	name    string
	factory func() Source
	opts    SupervisorOptions

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSupervisedSource creates a supervised wrapper around a source factory.
func NewSupervisedSource(name string, factory func() Source, opts SupervisorOptions) *SupervisedSource {
	if opts.RestartWait <= 0 {
		opts.RestartWait = time.Second
	}
	if opts.MaxWait < opts.RestartWait {
		opts.MaxWait = max(time.Minute, opts.RestartWait)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	return &SupervisedSource{name: name, factory: factory, opts: opts}
}

// Messages starts the supervised loop. The returned channel receives
// messages across restarts and is closed when ctx is cancelled, Stop is
// called or MaxRestarts is exceeded.
func (s *SupervisedSource) Messages(ctx context.Context) (<-chan Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer cancel()

		wait := s.opts.RestartWait
		for restarts := 0; ; restarts++ {
			if s.opts.MaxRestarts > 0 && restarts >= s.opts.MaxRestarts {
				slog.Error("ingest source exceeded max restarts", "source", s.name, "max", s.opts.MaxRestarts)
				return
			}

			delivered, reason := s.runOnce(ctx, out, restarts)
			if ctx.Err() != nil {
				return
			}
			s.opts.Metrics.IngestRestarts.WithLabelValues(s.name, reason).Inc()

			if delivered > 0 {
				wait = s.opts.RestartWait
			}
			slog.Warn("ingest source down, restarting", "source", s.name, "reason", reason,
				"delivered", delivered, "wait", wait, "restart_count", restarts)

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if delivered == 0 {
				wait = min(wait*2, s.opts.MaxWait)
			}
		}
	}()

	return out, nil
}

// runOnce drives one source instance until its stream ends or ctx is done.
// It returns how many messages were forwarded and why the run ended.
func (s *SupervisedSource) runOnce(ctx context.Context, out chan<- Message, restarts int) (int, string) {
	source := s.factory()
	defer source.Stop()

	msgs, err := source.Messages(ctx)
	if err != nil {
		slog.Error("failed to start ingest source", "source", s.name, "error", err, "restart_count", restarts)
		return 0, "start_failed"
	}
	slog.Info("ingest source started", "source", s.name, "restart_count", restarts)

	delivered := 0
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return delivered, "stream_ended"
			}
			select {
			case out <- msg:
				delivered++
			case <-ctx.Done():
				return delivered, "stopped"
			}
		case <-ctx.Done():
			return delivered, "stopped"
		}
	}
}

// Stop ends the supervised loop and the running source.
func (s *SupervisedSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}
