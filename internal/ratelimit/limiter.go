package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Bucket layouts. Keys built from them roll over on the hour and the day.
const (
	HourBucket = "2006010215"
	DayBucket  = "20060102"
)

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Scope names the cap that was hit: "hour" or "day".
	Scope string
}

// Limiter enforces the global hourly/daily alert caps and per-channel hourly
// caps over a Counter. Callers serialize Check and Record themselves.
type Limiter struct {
	counter Counter
	perHour int
	perDay  int
	now     func() time.Time
}

// NewLimiter creates a limiter. A cap of zero or less disables that cap.
func NewLimiter(counter Counter, perHour, perDay int, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{counter: counter, perHour: perHour, perDay: perDay, now: now}
}

func hourKey(t time.Time) string { return "alerts:hour:" + t.UTC().Format(HourBucket) }
func dayKey(t time.Time) string  { return "alerts:day:" + t.UTC().Format(DayBucket) }

// ChannelKey is the per-channel counter key for the hour containing t.
func ChannelKey(name string, t time.Time) string {
	return "channel:" + name + ":" + t.UTC().Format(HourBucket)
}

// Check reports whether one more alert fits under the global caps.
func (l *Limiter) Check(ctx context.Context) (Decision, error) {
	now := l.now()

	if l.perHour > 0 {
		n, err := l.counter.Get(ctx, hourKey(now))
		if err != nil {
			return Decision{}, fmt.Errorf("reading hourly alert count: %w", err)
		}
		if n >= int64(l.perHour) {
			next := now.UTC().Truncate(time.Hour).Add(time.Hour)
			return Decision{RetryAfter: next.Sub(now), Scope: "hour"}, nil
		}
	}

	if l.perDay > 0 {
		n, err := l.counter.Get(ctx, dayKey(now))
		if err != nil {
			return Decision{}, fmt.Errorf("reading daily alert count: %w", err)
		}
		if n >= int64(l.perDay) {
			y, m, d := now.UTC().Date()
			next := time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
			return Decision{RetryAfter: next.Sub(now), Scope: "day"}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// Record counts one created alert in the current hour and day buckets.
func (l *Limiter) Record(ctx context.Context) error {
	now := l.now()
	if _, err := l.counter.Incr(ctx, hourKey(now), 2*time.Hour); err != nil {
		return err
	}
	if _, err := l.counter.Incr(ctx, dayKey(now), 48*time.Hour); err != nil {
		return err
	}
	return nil
}

// ChannelAvailable reports whether channel name is under its hourly cap.
// A cap of zero or less means unlimited.
func (l *Limiter) ChannelAvailable(ctx context.Context, name string, perHour int) (bool, error) {
	if perHour <= 0 {
		return true, nil
	}
	n, err := l.counter.Get(ctx, ChannelKey(name, l.now()))
	if err != nil {
		return false, fmt.Errorf("reading %s channel count: %w", name, err)
	}
	return n < int64(perHour), nil
}

// RecordChannel counts one send on channel name.
func (l *Limiter) RecordChannel(ctx context.Context, name string) error {
	_, err := l.counter.Incr(ctx, ChannelKey(name, l.now()), 2*time.Hour)
	return err
}

// Reset drops expired counters. It is the scheduled rate-limit reset task.
func (l *Limiter) Reset(ctx context.Context) (int, error) {
	return l.counter.Sweep(ctx)
}
