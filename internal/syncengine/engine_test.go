package syncengine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/model"
)

type fakeBroadcaster struct {
	updates []uint64
}

func (f *fakeBroadcaster) BroadcastStateUpdate(componentID string, subs []string, op model.StateOperation, state any, version uint64) {
	f.updates = append(f.updates, version)
}
func (f *fakeBroadcaster) NotifyConflictUnresolved(clientID, componentID string, conflict model.Conflict) {
}

func newTestInstance() *model.ComponentInstance {
	return model.NewComponentInstance("i1", "counter-abc-def", "Counter", "client-1", "", 0, "counter", map[string]any{}, "fp", time.Now())
}

func TestCommitIncrementsVersion(t *testing.T) {
	inst := newTestInstance()
	bc := &fakeBroadcaster{}
	e := New(inst, Config{}, zerolog.Nop(), bc, nil)

	op1, err := e.ApplyLocal(model.StateOperation{Op: model.OpSet, Path: "count", Value: float64(0), OriginClientID: "server"})
	if err != nil {
		t.Fatal(err)
	}
	if op1.Version != 1 {
		t.Fatalf("expected version 1, got %d", op1.Version)
	}

	op2, err := e.ApplyLocal(model.StateOperation{Op: model.OpInc, Path: "count", OriginClientID: "server"})
	if err != nil {
		t.Fatal(err)
	}
	if op2.Version != 2 {
		t.Fatalf("expected version 2, got %d", op2.Version)
	}

	state, version := e.Snapshot()
	m := state.(map[string]any)
	if m["count"].(float64) != 1 {
		t.Fatalf("expected count=1, got %v", m["count"])
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
}

func TestApplyRemoteIdempotentByOpID(t *testing.T) {
	inst := newTestInstance()
	bc := &fakeBroadcaster{}
	e := New(inst, Config{}, zerolog.Nop(), bc, nil)

	op := model.StateOperation{OpID: "X", Op: model.OpSet, Path: "count", Value: float64(5), OriginClientID: "clientA"}
	first, _, err := e.ApplyRemote(op)
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := e.ApplyRemote(op)
	if err != nil {
		t.Fatal(err)
	}
	if first.Version != second.Version {
		t.Fatalf("expected idempotent replay to return same version, got %d vs %d", first.Version, second.Version)
	}
}

func TestConflictDetectionLastWriteWins(t *testing.T) {
	inst := newTestInstance()
	bc := &fakeBroadcaster{}
	e := New(inst, Config{ToleranceWindow: time.Second, DefaultStrategy: model.StrategyLastWriteWins}, zerolog.Nop(), bc, nil)

	now := time.Now()
	_, _, err := e.ApplyRemote(model.StateOperation{Op: model.OpSet, Path: "count", Value: float64(10), OriginClientID: "A", Timestamp: now})
	if err != nil {
		t.Fatal(err)
	}

	committed, conflict, err := e.ApplyRemote(model.StateOperation{Op: model.OpSet, Path: "count", Value: float64(20), OriginClientID: "B", Timestamp: now.Add(100 * time.Millisecond)})
	if err != nil {
		t.Fatal(err)
	}
	if conflict == nil {
		t.Fatal("expected a conflict to be recorded")
	}
	if committed.Value.(float64) != 20 {
		t.Fatalf("expected later timestamp to win, got %v", committed.Value)
	}
}

func TestPushPopSplice(t *testing.T) {
	inst := newTestInstance()
	bc := &fakeBroadcaster{}
	e := New(inst, Config{}, zerolog.Nop(), bc, nil)

	if _, err := e.ApplyLocal(model.StateOperation{Op: model.OpPush, Path: "items", Value: "a", OriginClientID: "server"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ApplyLocal(model.StateOperation{Op: model.OpPush, Path: "items", Value: "b", OriginClientID: "server"}); err != nil {
		t.Fatal(err)
	}
	state, _ := e.Snapshot()
	items := state.(map[string]any)["items"].([]any)
	if len(items) != 2 || items[0] != "a" || items[1] != "b" {
		t.Fatalf("unexpected items: %v", items)
	}

	if _, err := e.ApplyLocal(model.StateOperation{Op: model.OpSplice, Path: "items", Value: []any{float64(1), float64(0), "c"}, OriginClientID: "server"}); err != nil {
		t.Fatal(err)
	}
	state, _ = e.Snapshot()
	items = state.(map[string]any)["items"].([]any)
	if len(items) != 3 || items[1] != "c" {
		t.Fatalf("unexpected items after splice: %v", items)
	}
}
