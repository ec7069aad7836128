package cleanup

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/model"
)

type fakeRegistry struct {
	mu        sync.Mutex
	instances map[string]*model.ComponentInstance
	graceSet  map[string]time.Duration
	unmounted []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		instances: make(map[string]*model.ComponentInstance),
		graceSet:  make(map[string]time.Duration),
	}
}

func (f *fakeRegistry) add(id string, idleSince time.Time) *model.ComponentInstance {
	inst := model.NewComponentInstance(id, id, "Counter", "client-1", "", 0, "counter", nil, "fp", idleSince)
	f.mu.Lock()
	f.instances[id] = inst
	f.mu.Unlock()
	return inst
}

func (f *fakeRegistry) Unmount(componentID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, componentID)
	f.unmounted = append(f.unmounted, componentID)
	return nil
}

func (f *fakeRegistry) Instance(componentID string) (*model.ComponentInstance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[componentID]
	return inst, ok
}

func (f *fakeRegistry) ComponentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.instances))
	for id := range f.instances {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeRegistry) EnterGrace(componentID string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.graceSet[componentID] = d
}

func TestConnectionClosedSchedulesGraceUnmount(t *testing.T) {
	reg := newFakeRegistry()
	inst := reg.add("counter-abc-1", time.Now())
	inst.AddSubscriber("client-1")

	mgr := New(Config{GracePeriod: 20 * time.Millisecond, MaxBatch: 10}, zerolog.Nop(), reg, nil)
	mgr.ConnectionClosed("client-1", []string{"counter-abc-1"}, false)

	time.Sleep(60 * time.Millisecond)
	mgr.RunSweep()

	if _, ok := reg.Instance("counter-abc-1"); ok {
		t.Fatal("expected component to be unmounted after grace period expiry")
	}
}

func TestConnectionClosedSkipsRebound(t *testing.T) {
	reg := newFakeRegistry()
	inst := reg.add("counter-abc-2", time.Now())
	inst.AddSubscriber("client-1")

	mgr := New(Config{GracePeriod: 20 * time.Millisecond, MaxBatch: 10}, zerolog.Nop(), reg, nil)
	mgr.ConnectionClosed("client-1", []string{"counter-abc-2"}, false)

	// Simulate a reconnect rebind before the grace window expires.
	inst.AddSubscriber("client-2")

	time.Sleep(60 * time.Millisecond)
	mgr.RunSweep()

	if _, ok := reg.Instance("counter-abc-2"); !ok {
		t.Fatal("expected rebound component to survive the grace check")
	}
}

func TestIdleSweepUnmountsStaleComponents(t *testing.T) {
	reg := newFakeRegistry()
	reg.add("counter-abc-3", time.Now().Add(-time.Hour))

	mgr := New(Config{StaleThreshold: time.Minute, MaxBatch: 10}, zerolog.Nop(), reg, nil)
	mgr.idleSweep()
	mgr.RunSweep()

	if _, ok := reg.Instance("counter-abc-3"); ok {
		t.Fatal("expected stale component to be unmounted by the idle sweep")
	}
}

func TestBatchOrderingPriorityThenAge(t *testing.T) {
	reg := newFakeRegistry()
	reg.add("a", time.Now())
	reg.add("b", time.Now())
	reg.add("c", time.Now())

	mgr := New(Config{MaxBatch: 2}, zerolog.Nop(), reg, nil)
	mgr.EnqueueTarget("a", PriorityIdle, "idle")
	time.Sleep(time.Millisecond)
	mgr.EnqueueTarget("b", PriorityGraceExpired, "grace")
	time.Sleep(time.Millisecond)
	mgr.EnqueueTarget("c", PriorityIdle, "idle")

	mgr.RunSweep()

	if len(reg.unmounted) != 2 {
		t.Fatalf("expected exactly 2 targets processed in the first batch, got %d", len(reg.unmounted))
	}
	if reg.unmounted[0] != "b" {
		t.Fatalf("expected higher-priority target 'b' first, got %v", reg.unmounted)
	}
}

func TestEmergencyShutdownDrainsEverything(t *testing.T) {
	reg := newFakeRegistry()
	reg.add("a", time.Now())
	reg.add("b", time.Now())

	mgr := New(Config{MaxBatch: 1, EmergencyBudget: time.Second}, zerolog.Nop(), reg, nil)
	mgr.EnqueueTarget("a", PriorityIdle, "idle")
	mgr.EnqueueTarget("b", PriorityIdle, "idle")

	mgr.EmergencyShutdown()

	if len(reg.unmounted) != 2 {
		t.Fatalf("expected emergency shutdown to drain all pending targets, got %d", len(reg.unmounted))
	}
}
