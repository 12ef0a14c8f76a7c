package queue

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/setevik/sitesentry/internal/event"
)

func newEvent(p event.Priority, created time.Time) *event.Event {
	return event.New(event.TypeFileChange, nil, p, created)
}

func drain(q *Queue) []*event.Event {
	var out []*event.Event
	for {
		ev, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestPriorityOrderingIsStable(t *testing.T) {
	now := time.Now()
	q := New(100, func() time.Time { return now })

	priorities := []event.Priority{event.PriorityLow, event.PriorityMedium, event.PriorityHigh, event.PriorityCritical}
	rng := rand.New(rand.NewSource(42))

	var pushed []*event.Event
	for i := 0; i < 60; i++ {
		ev := newEvent(priorities[rng.Intn(len(priorities))], now)
		ev.Data["seq"] = i
		pushed = append(pushed, ev)
		_, err := q.Push(ev)
		require.NoError(t, err)
	}

	got := drain(q)
	require.Len(t, got, len(pushed))

	lastSeq := map[event.Priority]int{}
	for i, ev := range got {
		if i > 0 {
			assert.LessOrEqual(t, got[i-1].Priority.Rank(), ev.Priority.Rank(),
				"position %d: %s drained after %s", i, ev.Priority, got[i-1].Priority)
		}
		seq := ev.Data["seq"].(int)
		if prev, ok := lastSeq[ev.Priority]; ok {
			assert.Greater(t, seq, prev, "same-priority events must keep arrival order")
		}
		lastSeq[ev.Priority] = seq
	}
}

func TestCriticalJumpsAhead(t *testing.T) {
	q := New(10, nil)
	low := newEvent(event.PriorityLow, time.Now())
	crit := newEvent(event.PriorityCritical, time.Now())

	_, err := q.Push(low)
	require.NoError(t, err)
	_, err = q.Push(crit)
	require.NoError(t, err)

	head, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, crit.ID, head.ID)
}

func TestEvictsStaleLowFirst(t *testing.T) {
	now := time.Now()
	q := New(3, func() time.Time { return now })

	staleLow := newEvent(event.PriorityLow, now.Add(-6*time.Minute))
	freshLow := newEvent(event.PriorityLow, now.Add(-time.Minute))
	staleMedium := newEvent(event.PriorityMedium, now.Add(-11*time.Minute))
	for _, ev := range []*event.Event{staleLow, freshLow, staleMedium} {
		_, err := q.Push(ev)
		require.NoError(t, err)
	}

	evicted, err := q.Push(newEvent(event.PriorityHigh, now))
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, staleLow.ID, evicted[0].ID, "stale low-priority event goes first")
	assert.Equal(t, 3, q.Len())
}

func TestEvictsStaleNonCriticalSecond(t *testing.T) {
	now := time.Now()
	q := New(2, func() time.Time { return now })

	staleMedium := newEvent(event.PriorityMedium, now.Add(-11*time.Minute))
	staleCritical := newEvent(event.PriorityCritical, now.Add(-time.Hour))
	for _, ev := range []*event.Event{staleMedium, staleCritical} {
		_, err := q.Push(ev)
		require.NoError(t, err)
	}

	evicted, err := q.Push(newEvent(event.PriorityLow, now))
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, staleMedium.ID, evicted[0].ID)

	for _, ev := range q.Snapshot() {
		if ev.ID == staleCritical.ID {
			return
		}
	}
	t.Error("critical events are never evicted")
}

func TestFullQueueRejects(t *testing.T) {
	now := time.Now()
	q := New(2, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		_, err := q.Push(newEvent(event.PriorityLow, now))
		require.NoError(t, err)
	}

	_, err := q.Push(newEvent(event.PriorityCritical, now))
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 2, q.Len())
}

func TestRestoreSkipsDuplicates(t *testing.T) {
	q := New(10, nil)
	a := newEvent(event.PriorityMedium, time.Now())
	b := newEvent(event.PriorityHigh, time.Now())

	_, err := q.Push(a)
	require.NoError(t, err)

	added := q.Restore([]*event.Event{a, b})
	assert.Equal(t, 1, added)
	assert.Equal(t, 2, q.Len())

	snap := q.Snapshot()
	assert.Equal(t, b.ID, snap[0].ID, "restored high event drains before queued medium")
}

func TestConcurrentPushPop(t *testing.T) {
	q := New(0, nil)
	const producers, perProducer = 8, 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				ev := newEvent(event.PriorityMedium, time.Now())
				ev.Data["key"] = fmt.Sprintf("%d-%d", p, i)
				_, _ = q.Push(ev)
			}
		}(p)
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	var consumers sync.WaitGroup
	done := make(chan struct{})
	for c := 0; c < 4; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				ev, ok := q.Pop()
				if !ok {
					select {
					case <-done:
						return
					default:
						continue
					}
				}
				mu.Lock()
				seen[ev.ID] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	close(done)
	consumers.Wait()
	for _, ev := range drain(q) {
		seen[ev.ID] = true
	}

	assert.Len(t, seen, producers*perProducer, "no event lost or duplicated")
}

func TestCounts(t *testing.T) {
	q := New(10, nil)
	for _, p := range []event.Priority{event.PriorityLow, event.PriorityLow, event.PriorityCritical} {
		_, err := q.Push(newEvent(p, time.Now()))
		require.NoError(t, err)
	}
	counts := q.Counts()
	assert.Equal(t, 2, counts[event.PriorityLow])
	assert.Equal(t, 1, counts[event.PriorityCritical])
}
