package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

// Timeline components.
const (
	componentDiscovery   = "discovery"
	componentRouter      = "router"
	componentCoordinator = "coordinator"
	componentGovernor    = "governor"
	componentAggregator  = "aggregator"
	componentSynthesizer = "synthesizer"
	componentEngine      = "engine"
)

// timeline collects run events. The hand-off driver appends from the
// governor's unit goroutine, so access is locked.
type timeline struct {
	mu     sync.Mutex
	now    func() time.Time
	events []model.TimelineEvent
}

func newTimeline(now func() time.Time) *timeline {
	return &timeline{now: now}
}

func (t *timeline) add(component, kind, format string, args ...any) {
	t.addAt(t.now(), component, kind, format, args...)
}

func (t *timeline) addAt(at time.Time, component, kind, format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, model.TimelineEvent{
		Time:      at,
		Component: component,
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
	})
}

// sorted returns the events ordered by time, keeping insertion order for
// equal timestamps.
func (t *timeline) sorted() []model.TimelineEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]model.TimelineEvent(nil), t.events...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}
