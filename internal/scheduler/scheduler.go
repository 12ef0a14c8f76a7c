// Package scheduler runs the periodic background work of the daemon:
// draining the event queue, batch delivery, escalation, rate-limit resets,
// retention cleanup and integrity checks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/setevik/sitesentry/internal/metrics"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	// Immediate runs the task once when the scheduler starts instead of
	// waiting for the first tick.
	Immediate bool
}

// LastRun describes the most recent run of a task.
type LastRun struct {
	Task     string        `json:"task"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Scheduler runs tasks on independent tickers. A task never overlaps with
// itself: a slow run delays its next tick.
type Scheduler struct {
	m   *metrics.Metrics
	now func() time.Time

	mu    sync.Mutex
	tasks []Task
	last  map[string]LastRun
}

// New creates an empty scheduler. m may be nil.
func New(m *metrics.Metrics) *Scheduler {
	if m == nil {
		m = metrics.Discard()
	}
	return &Scheduler{m: m, now: time.Now, last: make(map[string]LastRun)}
}

// Add registers a task. Tasks with a non-positive interval are disabled.
func (s *Scheduler) Add(t Task) {
	if t.Interval <= 0 {
		slog.Info("scheduled task disabled", "task", t.Name)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Run starts every task and blocks until ctx is cancelled and all
// in-flight runs have returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.loop(ctx, t)
		}(t)
	}
	slog.Info("scheduler started", "tasks", len(tasks))
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	if t.Immediate {
		s.runTask(ctx, t)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTask(ctx, t)
		}
	}
}

// RunNow runs the named task once, synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var task *Task
	for i := range s.tasks {
		if s.tasks[i].Name == name {
			task = &s.tasks[i]
			break
		}
	}
	s.mu.Unlock()
	if task == nil {
		return fmt.Errorf("unknown task %q", name)
	}
	return s.runTask(ctx, *task)
}

func (s *Scheduler) runTask(ctx context.Context, t Task) (err error) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}

		run := LastRun{Task: t.Name, At: start, Duration: s.now().Sub(start)}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			run.Error = err.Error()
			slog.Error("scheduled task failed", "task", t.Name, "error", err)
		} else {
			slog.Debug("scheduled task done", "task", t.Name, "duration", run.Duration)
		}
		s.m.TaskRuns.WithLabelValues(t.Name, outcome).Inc()

		s.mu.Lock()
		s.last[t.Name] = run
		s.mu.Unlock()
	}()

	return t.Run(ctx)
}

// LastRuns reports the latest run of each task that has run, by name.
func (s *Scheduler) LastRuns() []LastRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LastRun, 0, len(s.last))
	for _, r := range s.last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}
