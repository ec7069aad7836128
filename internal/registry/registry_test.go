package registry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/circuit"
	"github.com/systemsim/live-components/internal/config"
	"github.com/systemsim/live-components/internal/model"
	"github.com/systemsim/live-components/internal/syncengine"
)

type fakeTransport struct {
	sent []model.Message
}

func (f *fakeTransport) Send(clientID string, msg model.Message) {
	f.sent = append(f.sent, msg)
}

func counterType() *model.ComponentType {
	return &model.ComponentType{
		Name: "Counter",
		InitialStateFactory: func(props map[string]any) (any, error) {
			return map[string]any{"count": float64(0)}, nil
		},
		Actions: map[string]model.ActionHandler{
			"inc": func(state any, payload map[string]any, deps model.ServiceDependencies) (any, any, error) {
				m := state.(map[string]any)
				next := map[string]any{"count": m["count"].(float64) + 1}
				return next, nil, nil
			},
			"get": func(state any, payload map[string]any, deps model.ServiceDependencies) (any, any, error) {
				return state, state.(map[string]any)["count"], nil
			},
		},
	}
}

func newTestRegistry() (*Registry, *fakeTransport) {
	transport := &fakeTransport{}
	r := New(zerolog.Nop(), syncengine.Config{}, transport, nil, nil, nil)
	return r, transport
}

func TestMountAndCallAction(t *testing.T) {
	r, _ := newTestRegistry()
	if err := r.RegisterType(counterType()); err != nil {
		t.Fatal(err)
	}

	inst, version, rebound, err := r.Mount("client-1", "Counter", map[string]any{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if rebound {
		t.Fatal("expected a fresh mount, not a rebind")
	}
	if version != 0 {
		t.Fatalf("expected version 0 at mount, got %d", version)
	}

	if err := r.CallAction("client-1", inst.ComponentID, "inc", nil, ""); err != nil {
		t.Fatal(err)
	}

	state, version := inst.Snapshot()
	if state.(map[string]any)["count"].(float64) != 1 {
		t.Fatalf("expected count=1, got %v", state)
	}
	if version != 1 {
		t.Fatalf("expected version 1 after inc, got %d", version)
	}
}

func TestCallActionSendsMethodResult(t *testing.T) {
	r, transport := newTestRegistry()
	if err := r.RegisterType(counterType()); err != nil {
		t.Fatal(err)
	}
	inst, _, _, err := r.Mount("client-1", "Counter", map[string]any{}, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := r.CallAction("client-1", inst.ComponentID, "get", nil, "req-1"); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, msg := range transport.sent {
		if msg.Type == model.TypeMethodResult && msg.RequestID == "req-1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a method_result frame for req-1")
	}
}

func TestUnmountCascade(t *testing.T) {
	r, _ := newTestRegistry()
	if err := r.RegisterType(counterType()); err != nil {
		t.Fatal(err)
	}

	parent, _, _, err := r.Mount("client-1", "Counter", map[string]any{"role": "parent"}, "")
	if err != nil {
		t.Fatal(err)
	}
	child, _, _, err := r.Mount("client-1", "Counter", map[string]any{"role": "child"}, parent.ComponentID)
	if err != nil {
		t.Fatal(err)
	}
	grandchild, _, _, err := r.Mount("client-1", "Counter", map[string]any{"role": "grandchild"}, child.ComponentID)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Unmount(parent.ComponentID, "test"); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{parent.ComponentID, child.ComponentID, grandchild.ComponentID} {
		if _, ok := r.Instance(id); ok {
			t.Fatalf("expected %s to be removed after cascade unmount", id)
		}
	}
}

func TestMountRebindsWithinGracePeriod(t *testing.T) {
	r, _ := newTestRegistry()
	if err := r.RegisterType(counterType()); err != nil {
		t.Fatal(err)
	}

	inst, _, _, err := r.Mount("client-1", "Counter", map[string]any{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.CallAction("client-1", inst.ComponentID, "inc", nil, ""); err != nil {
		t.Fatal(err)
	}

	r.EnterGrace(inst.ComponentID, time.Minute)

	rebound, version, rebindFlag, err := r.Mount("client-2", "Counter", map[string]any{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !rebindFlag {
		t.Fatal("expected rebind within grace period")
	}
	if rebound.ComponentID != inst.ComponentID {
		t.Fatalf("expected same component_id on rebind, got %s vs %s", rebound.ComponentID, inst.ComponentID)
	}
	if version != 1 {
		t.Fatalf("expected rebind to return current version 1 (not reset), got %d", version)
	}
	if r.InGrace(inst.ComponentID) {
		t.Fatal("expected grace deadline to be cleared after rebind")
	}
}

func TestMountRejectsUnknownType(t *testing.T) {
	r, _ := newTestRegistry()
	if _, _, _, err := r.Mount("client-1", "DoesNotExist", nil, ""); err == nil {
		t.Fatal("expected unknown_component_type error")
	}
}

func billingType() *model.ComponentType {
	return &model.ComponentType{
		Name: "Billing",
		InitialStateFactory: func(props map[string]any) (any, error) {
			return map[string]any{}, nil
		},
		Dependencies: []model.Dependency{
			{Name: "billing", Kind: model.DependencyService, Required: true},
		},
		Actions: map[string]model.ActionHandler{
			"charge": func(state any, payload map[string]any, deps model.ServiceDependencies) (any, any, error) {
				_, release, err := deps.Service("billing")
				if err != nil {
					return state, nil, err
				}
				// Simulate the downstream RPC failing, so the pool's
				// circuit breaker sees a run of consecutive failures.
				release(true)
				return state, "charged", nil
			},
		},
	}
}

// TestCallActionRoutesServiceDependencyThroughCircuitBreaker proves
// ServicePool.Get/Release are exercised by an actual mount+call_action
// path, not just by circuit package's own tests: a handler borrows the
// "billing" service dependency on every call, and enough consecutive
// failures trips its breaker open, after which the registry refuses to
// hand out a connection at all.
func TestCallActionRoutesServiceDependencyThroughCircuitBreaker(t *testing.T) {
	r := New(zerolog.Nop(), syncengine.Config{}, &fakeTransport{}, nil, nil, map[string]config.ServiceConfig{
		"billing": {GRPCAddress: "127.0.0.1:1"},
	})
	if err := r.RegisterType(billingType()); err != nil {
		t.Fatal(err)
	}

	inst, _, _, err := r.Mount("client-1", "Billing", nil, "")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if err := r.CallAction("client-1", inst.ComponentID, "charge", nil, ""); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}

	pool, err := r.servicePool("billing")
	if err != nil {
		t.Fatal(err)
	}
	if pool.breaker.State() != circuit.StateOpen {
		t.Fatalf("expected breaker open after 5 consecutive failures, got %s", pool.breaker.State())
	}

	if err := r.CallAction("client-1", inst.ComponentID, "charge", nil, ""); err == nil {
		t.Fatal("expected call_action to fail once the service breaker is open")
	}
}
