package identity

import (
	"testing"
	"time"
)

func TestComponentIDDeterministic(t *testing.T) {
	mountedAt := time.Unix(1700000000, 0)
	key := MountKey{Type: "Counter", Props: map[string]any{"start": float64(0)}}

	id1, err := ComponentID(key, mountedAt)
	if err != nil {
		t.Fatalf("ComponentID: %v", err)
	}
	id2, err := ComponentID(key, mountedAt)
	if err != nil {
		t.Fatalf("ComponentID: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected deterministic id, got %q != %q", id1, id2)
	}
	if !ValidComponentID(id1) {
		t.Fatalf("id %q does not match component_id grammar", id1)
	}
}

func TestComponentIDPropOrderIndependence(t *testing.T) {
	mountedAt := time.Unix(1700000000, 0)
	a := MountKey{Type: "Widget", Props: map[string]any{"a": float64(1), "b": float64(2)}}
	b := MountKey{Type: "Widget", Props: map[string]any{"b": float64(2), "a": float64(1)}}

	idA, err := ComponentID(a, mountedAt)
	if err != nil {
		t.Fatal(err)
	}
	idB, err := ComponentID(b, mountedAt)
	if err != nil {
		t.Fatal(err)
	}
	if idA != idB {
		t.Fatalf("expected map key order to not affect hash: %q != %q", idA, idB)
	}
}

func TestComponentIDNestedPath(t *testing.T) {
	mountedAt := time.Unix(1700000000, 0)
	parentKey := MountKey{Type: "Dashboard", Props: map[string]any{}}
	parentID, err := ComponentID(parentKey, mountedAt)
	if err != nil {
		t.Fatal(err)
	}

	childKey := MountKey{Type: "Widget", Props: map[string]any{}, ParentID: parentID}
	childID, err := ComponentID(childKey, mountedAt)
	if err != nil {
		t.Fatal(err)
	}

	if !ValidComponentID(childID) {
		t.Fatalf("child id %q does not match grammar", childID)
	}
	if got, want := parentPathOf(parentID), "dashboard"; got != want {
		t.Fatalf("parentPathOf(%q) = %q, want %q", parentID, got, want)
	}
}

func TestInstanceIDUnique(t *testing.T) {
	a := InstanceID()
	b := InstanceID()
	if a == b {
		t.Fatal("expected unique instance ids")
	}
}

func TestDepthDetectsCycle(t *testing.T) {
	lookup := func(id string) (string, bool) {
		switch id {
		case "a":
			return "b", true
		case "b":
			return "a", true
		}
		return "", false
	}
	if _, err := Depth("a", lookup); err != ErrCyclicHierarchy {
		t.Fatalf("expected ErrCyclicHierarchy, got %v", err)
	}
}

func TestDepthRoot(t *testing.T) {
	lookup := func(id string) (string, bool) { return "", false }
	d, err := Depth("root-1-2", lookup)
	if err != nil {
		t.Fatal(err)
	}
	if d != 0 {
		t.Fatalf("expected depth 0 for root, got %d", d)
	}
}

func TestFingerprintStable(t *testing.T) {
	fp1, err := Fingerprint("Counter", map[string]any{"x": float64(1)}, map[string]any{"count": float64(0)})
	if err != nil {
		t.Fatal(err)
	}
	fp2, err := Fingerprint("Counter", map[string]any{"x": float64(1)}, map[string]any{"count": float64(0)})
	if err != nil {
		t.Fatal(err)
	}
	if fp1 != fp2 {
		t.Fatalf("expected stable fingerprint, got %q != %q", fp1, fp2)
	}
}
