package eventengine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/model"
)

type fakeTree struct {
	parent   map[string]string
	children map[string][]string
}

func (t *fakeTree) ParentOf(id string) (string, bool) {
	p, ok := t.parent[id]
	return p, ok
}
func (t *fakeTree) ChildrenOf(id string) []string { return t.children[id] }
func (t *fakeTree) AllComponents() []string {
	var out []string
	for id := range t.children {
		out = append(out, id)
	}
	return out
}

func dashboardTree() *fakeTree {
	return &fakeTree{
		parent: map[string]string{
			"widget1": "dashboard",
			"widget2": "dashboard",
		},
		children: map[string][]string{
			"dashboard": {"widget1", "widget2"},
		},
	}
}

func TestSiblingScopeExcludesSourceAndParent(t *testing.T) {
	tree := dashboardTree()
	e := New(Config{BatchTimeout: time.Millisecond}, zerolog.Nop(), tree, nil, nil)

	var received []string
	e.Subscribe("widget2", "refresh", func(evt *model.Event) {
		received = append(received, evt.SourceComponentID)
	}, model.PriorityNormal, false, nil)
	e.Subscribe("dashboard", "refresh", func(evt *model.Event) {
		t.Fatal("dashboard should not receive a siblings-scoped event")
	}, model.PriorityNormal, false, nil)
	e.Subscribe("widget1", "refresh", func(evt *model.Event) {
		t.Fatal("widget1 (the source) should not receive its own siblings-scoped event")
	}, model.PriorityNormal, false, nil)

	evt := &model.Event{Name: "refresh", SourceComponentID: "widget1", Scope: model.ScopeSiblings, Priority: model.PriorityNormal}
	if err := e.Emit(evt); err != nil {
		t.Fatal(err)
	}
	e.drainBatch()

	if len(received) != 1 || received[0] != "widget1" {
		t.Fatalf("expected widget2 to receive exactly one event from widget1, got %v", received)
	}
}

func TestOnceSubscriptionUnsubscribesAfterFirstDispatch(t *testing.T) {
	tree := dashboardTree()
	e := New(Config{}, zerolog.Nop(), tree, nil, nil)

	count := 0
	e.Subscribe("widget1", "ping", func(evt *model.Event) {
		count++
	}, model.PriorityNormal, true, nil)

	for i := 0; i < 3; i++ {
		_ = e.Emit(&model.Event{Name: "ping", SourceComponentID: "widget1", Scope: model.ScopeLocal, Priority: model.PriorityNormal})
		e.drainBatch()
	}

	if count != 1 {
		t.Fatalf("expected exactly 1 dispatch for a once subscription, got %d", count)
	}
}

func TestMiddlewareCanStopDispatch(t *testing.T) {
	tree := dashboardTree()
	e := New(Config{}, zerolog.Nop(), tree, nil, nil)
	e.Use(func(evt *model.Event, next func()) {
		if evt.Name == "blocked" {
			evt.Stopped = true
			return
		}
		next()
	})

	delivered := false
	e.Subscribe("widget1", "blocked", func(evt *model.Event) {
		delivered = true
	}, model.PriorityNormal, false, nil)

	_ = e.Emit(&model.Event{Name: "blocked", SourceComponentID: "widget1", Scope: model.ScopeLocal, Priority: model.PriorityNormal})
	e.drainBatch()

	if delivered {
		t.Fatal("expected middleware to stop dispatch")
	}
}

func TestOverflowDropsOldestLowPriorityToDeadLetter(t *testing.T) {
	tree := dashboardTree()
	e := New(Config{MaxQueue: 2, BatchSize: 0}, zerolog.Nop(), tree, nil, nil)

	_ = e.Emit(&model.Event{Name: "a", SourceComponentID: "widget1", Scope: model.ScopeLocal, Priority: model.PriorityLow})
	_ = e.Emit(&model.Event{Name: "b", SourceComponentID: "widget1", Scope: model.ScopeLocal, Priority: model.PriorityLow})
	_ = e.Emit(&model.Event{Name: "c", SourceComponentID: "widget1", Scope: model.ScopeLocal, Priority: model.PriorityHigh})

	if e.QueueLen() != 2 {
		t.Fatalf("expected queue to stay bounded at 2, got %d", e.QueueLen())
	}
	dl := e.DeadLetters()
	if len(dl) != 1 || dl[0].Name != "a" {
		t.Fatalf("expected event 'a' (oldest low priority) in dead letters, got %v", dl)
	}
}

func TestCriticalEventNeverDropped(t *testing.T) {
	tree := dashboardTree()
	e := New(Config{MaxQueue: 1, BatchSize: 0}, zerolog.Nop(), tree, nil, nil)

	_ = e.Emit(&model.Event{Name: "a", SourceComponentID: "widget1", Scope: model.ScopeLocal, Priority: model.PriorityCritical})
	err := e.Emit(&model.Event{Name: "b", SourceComponentID: "widget1", Scope: model.ScopeLocal, Priority: model.PriorityCritical})
	if err != nil {
		t.Fatalf("expected critical event to be accepted even at capacity, got error: %v", err)
	}
	if e.QueueLen() != 2 {
		t.Fatalf("expected both critical events retained, got queue len %d", e.QueueLen())
	}
}
