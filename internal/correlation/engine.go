package correlation

import (
	"context"
	"fmt"
	"time"

	"github.com/setevik/sitesentry/internal/event"
)

// History is the persisted event log the engine queries.
type History interface {
	EventIDsInWindow(ctx context.Context, types []event.Type, since, until time.Time, excludeID, groupKey, groupValue string) ([]string, error)
}

// Engine evaluates rules against an event and its history. It holds no
// mutable state.
type Engine struct {
	rules   []Rule
	byType  map[event.Type][]int
	history History
}

// NewEngine indexes rules by trigger type.
func NewEngine(rules []Rule, history History) *Engine {
	e := &Engine{
		rules:   rules,
		byType:  make(map[event.Type][]int),
		history: history,
	}
	for i, r := range rules {
		for _, t := range r.Types {
			e.byType[t] = append(e.byType[t], i)
		}
	}
	return e
}

// Rules returns the active rules.
func (e *Engine) Rules() []Rule {
	return e.rules
}

// Correlate matches ev against every rule triggered by its type, looking at
// persisted events in [now-window, now]. A rule fires when the prior events
// number at least threshold-1; amplifications of all fired rules add up.
func (e *Engine) Correlate(ctx context.Context, ev *event.Event, now time.Time) (*event.Correlation, error) {
	result := &event.Correlation{
		CorrelationID:    ev.CorrelationID,
		PatternsDetected: []string{},
		CorrelatedEvents: []string{},
	}

	seen := make(map[string]bool)
	for _, i := range e.byType[ev.Type] {
		r := e.rules[i]

		var groupValue string
		if r.GroupBy != "" {
			groupValue = ev.Data.String(r.GroupBy)
			if groupValue == "" {
				continue
			}
		}

		ids, err := e.history.EventIDsInWindow(ctx, r.Types, now.Add(-r.Window), now, ev.ID, r.GroupBy, groupValue)
		if err != nil {
			return nil, fmt.Errorf("evaluating rule %s: %w", r.Name, err)
		}
		if len(ids) < r.Threshold-1 {
			continue
		}

		result.PatternsDetected = append(result.PatternsDetected, r.Name)
		result.RiskAmplification += r.RiskAdd
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				result.CorrelatedEvents = append(result.CorrelatedEvents, id)
			}
		}
	}

	return result, nil
}
