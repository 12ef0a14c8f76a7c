// Package queue implements the bounded, stable priority queue that buffers
// events between collectors and the processor.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/setevik/sitesentry/internal/event"
)

// ErrFull is returned when the queue is at capacity and nothing is evictable.
var ErrFull = errors.New("event queue full")

// Eviction ages. Low-priority events go first, then anything non-critical.
const (
	LowEvictAge         = 5 * time.Minute
	NonCriticalEvictAge = 10 * time.Minute
)

// Queue orders events critical > high > medium > low and keeps arrival order
// within a priority. All methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	items   []*event.Event
	maxSize int
	now     func() time.Time
}

// New creates a queue holding at most maxSize events. now may be nil.
func New(maxSize int, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{maxSize: maxSize, now: now}
}

// Push inserts ev, evicting stale low-value events if the queue is full. It
// returns the evicted events.
func (q *Queue) Push(ev *event.Event) ([]*event.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted []*event.Event
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		now := q.now()
		evicted = q.evict(func(e *event.Event) bool {
			return e.Priority == event.PriorityLow && now.Sub(e.CreatedAt) > LowEvictAge
		})
		if len(q.items) >= q.maxSize {
			evicted = append(evicted, q.evict(func(e *event.Event) bool {
				return e.Priority != event.PriorityCritical && now.Sub(e.CreatedAt) > NonCriticalEvictAge
			})...)
		}
		if len(q.items) >= q.maxSize {
			return evicted, ErrFull
		}
	}

	q.insert(ev)
	return evicted, nil
}

// insert places ev before the first event of strictly lower priority.
func (q *Queue) insert(ev *event.Event) {
	rank := ev.Priority.Rank()
	i := len(q.items)
	for j, e := range q.items {
		if e.Priority.Rank() > rank {
			i = j
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = ev
}

func (q *Queue) evict(match func(*event.Event) bool) []*event.Event {
	var removed []*event.Event
	kept := q.items[:0]
	for _, e := range q.items {
		if match(e) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return removed
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (*event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	ev := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return ev, true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued events in drain order.
func (q *Queue) Snapshot() []*event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*event.Event, len(q.items))
	copy(out, q.items)
	return out
}

// Restore merges events loaded from storage into the queue. Events whose id
// is already queued are skipped, so restoring twice never duplicates work.
// Capacity is not enforced: persisted events were accepted once already.
func (q *Queue) Restore(events []*event.Event) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]bool, len(q.items))
	for _, e := range q.items {
		seen[e.ID] = true
	}
	added := 0
	for _, e := range events {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		q.insert(e)
		added++
	}
	return added
}

// Counts returns the number of queued events per priority.
func (q *Queue) Counts() map[event.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[event.Priority]int, 4)
	for _, e := range q.items {
		out[e.Priority]++
	}
	return out
}
