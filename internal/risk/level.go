package risk

import (
	"math"
	"sync"
	"time"
)

// Level is the rolling site-wide risk level. Each processed event decays the
// previous value by half per elapsed hour and adds a tenth of its score.
type Level struct {
	mu      sync.Mutex
	value   float64
	updated time.Time
}

// Contribution is the share of an event score added to the level.
const Contribution = 0.1

// Add folds score into the level at time now and returns the new value.
func (l *Level) Add(score int, now time.Time) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.value = l.decayed(now) + float64(score)*Contribution
	l.value = math.Min(MaxScore, math.Max(0, l.value))
	l.updated = now
	return l.value
}

// Value returns the level decayed to now without recording an update.
func (l *Level) Value(now time.Time) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decayed(now)
}

func (l *Level) decayed(now time.Time) float64 {
	if l.updated.IsZero() || !now.After(l.updated) {
		return l.value
	}
	hours := now.Sub(l.updated).Hours()
	return l.value * math.Pow(0.5, hours)
}
