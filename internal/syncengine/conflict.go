package syncengine

import (
	"strings"

	"github.com/google/uuid"

	"github.com/systemsim/live-components/internal/model"
)

// criticalPaths mark a conflict as critical severity (spec.md §4.4).
// Under the manual strategy a critical conflict is never auto-resolved;
// other strategies resolve it like any other conflict.
var criticalPaths = map[string]bool{"id": true, "version": true, "type": true}

// overlaps reports whether two dotted paths address overlapping state,
// treating the empty (root) path as overlapping everything and treating
// one path as a prefix of another as an overlap (e.g. "user" and
// "user.name").
func overlaps(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	if a == b {
		return true
	}
	return strings.HasPrefix(a+".", b+".") || strings.HasPrefix(b+".", a+".")
}

func classifySeverity(paths []string) model.ConflictSeverity {
	for _, p := range paths {
		root := strings.SplitN(p, ".", 2)[0]
		if criticalPaths[root] {
			return model.SeverityCritical
		}
	}
	if len(paths) > 5 {
		return model.SeverityHigh
	}
	for _, p := range paths {
		root := strings.SplitN(p, ".", 2)[0]
		switch root {
		case "status", "state", "data":
			return model.SeverityMedium
		}
	}
	return model.SeverityLow
}

// buildConflict records a Conflict between a previously committed op
// and an incoming one whose paths overlap within the tolerance window.
func buildConflict(componentID string, local, remote model.StateOperation) model.Conflict {
	paths := []string{local.Path, remote.Path}
	return model.Conflict{
		ConflictID:       uuid.NewString(),
		ComponentID:      componentID,
		LocalOp:          local,
		RemoteOp:         remote,
		ConflictingPaths: paths,
		Severity:         classifySeverity(paths),
		Status:           model.ConflictPending,
	}
}

// CustomResolver lets a component register a `custom` strategy
// implementation (spec.md §4.4).
type CustomResolver func(local, remote model.StateOperation) (model.StateOperation, error)

// mergePriorityTable lists, per path, whether local or global (remote)
// wins under the `merge_priority` strategy.
type mergePriorityTable map[string]string // path -> "local" | "global"

func resolve(strategy model.ConflictStrategy, local, remote model.StateOperation, priority mergePriorityTable, custom CustomResolver) (model.StateOperation, error) {
	switch strategy {
	case model.StrategyLocalWins:
		return local, nil
	case model.StrategyGlobalWins:
		return remote, nil
	case model.StrategyLastWriteWins:
		if remote.Timestamp.After(local.Timestamp) {
			return remote, nil
		}
		return local, nil
	case model.StrategyMerge:
		return mergeOps(local, remote), nil
	case model.StrategyMergePriority:
		winner := "global"
		if v, ok := priority[remote.Path]; ok {
			winner = v
		}
		if winner == "local" {
			return local, nil
		}
		return remote, nil
	case model.StrategyCustom:
		if custom != nil {
			return custom(local, remote)
		}
		return remote, nil
	default: // manual handled by the caller before reaching here
		return remote, nil
	}
}

// mergeOps deep-merges two ops' values when both address objects
// (spec.md §4.4 `merge`): nested objects merge key by key, recursively;
// a leaf value or array present on both sides takes remote's, since
// arrays are replaced wholesale, never concatenated.
func mergeOps(local, remote model.StateOperation) model.StateOperation {
	localObj, lok := local.Value.(map[string]any)
	remoteObj, rok := remote.Value.(map[string]any)
	if !lok || !rok {
		return remote
	}
	out := remote
	out.Op = model.OpMerge
	out.Value = deepMergeObjects(localObj, remoteObj)
	return out
}

// deepMergeObjects merges remote over local: a key present only in one
// side is kept as-is; a key present in both recurses if both values are
// objects, otherwise remote's value wins.
func deepMergeObjects(local, remote map[string]any) map[string]any {
	merged := make(map[string]any, len(local)+len(remote))
	for k, v := range local {
		merged[k] = v
	}
	for k, rv := range remote {
		if lv, ok := merged[k]; ok {
			if lObj, lok := lv.(map[string]any); lok {
				if rObj, rok := rv.(map[string]any); rok {
					merged[k] = deepMergeObjects(lObj, rObj)
					continue
				}
			}
		}
		merged[k] = rv
	}
	return merged
}
