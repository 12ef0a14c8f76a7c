package collector

import (
	"context"
	"time"

	"github.com/setevik/sitesentry/internal/event"
)

// SuccessAfterFailures is how many recent failures make a successful login
// from the same IP suspicious.
const SuccessAfterFailures = 3

// EventCounter counts persisted events per type and IP.
type EventCounter interface {
	CountRecentEvents(ctx context.Context, t event.Type, ip string, since time.Time) (int, error)
}

// LoginAnalysis is the activity verdict for one login event.
type LoginAnalysis struct {
	IP         string `json:"ip_address"`
	Recent     int    `json:"recent_attempts"`
	BruteForce bool   `json:"brute_force"`
}

// Activity detects brute-force login patterns from the event history.
type Activity struct {
	counter   EventCounter
	threshold int
	window    time.Duration
}

// NewActivity flags an IP once threshold earlier attempts of the same kind
// fall within window.
func NewActivity(counter EventCounter, threshold int, window time.Duration) *Activity {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Activity{counter: counter, threshold: threshold, window: window}
}

// Analyze counts earlier events of type t from ip. The event being analyzed
// is not yet persisted, so the count excludes it.
func (a *Activity) Analyze(ctx context.Context, t event.Type, ip string, now time.Time) (LoginAnalysis, error) {
	n, err := a.counter.CountRecentEvents(ctx, t, ip, now.Add(-a.window))
	if err != nil {
		return LoginAnalysis{}, err
	}
	return LoginAnalysis{IP: ip, Recent: n, BruteForce: n >= a.threshold}, nil
}

// RecentFailures returns the login failures from ip within the window.
func (a *Activity) RecentFailures(ctx context.Context, ip string, now time.Time) (int, error) {
	return a.counter.CountRecentEvents(ctx, event.TypeLoginFailure, ip, now.Add(-a.window))
}
