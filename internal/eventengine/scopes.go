package eventengine

import "github.com/systemsim/live-components/internal/model"

// TreeResolver gives the Event Engine read access to the live component
// hierarchy without owning it (the Registry owns the tree, spec.md §4.3).
type TreeResolver interface {
	ParentOf(componentID string) (string, bool)
	ChildrenOf(componentID string) []string
	AllComponents() []string
}

// ScopeResolverFunc is a registered `custom` scope resolver (spec.md
// §4.5 `register_scope_resolver`).
type ScopeResolverFunc func(sourceComponentID string, maxDepth int) []string

// resolveTargets maps an Event's scope to a concrete set of component
// ids (spec.md §4.5 "target resolution").
func (e *Engine) resolveTargets(evt *model.Event) []string {
	if len(evt.TargetComponentIDs) > 0 {
		return evt.TargetComponentIDs
	}

	switch evt.Scope {
	case model.ScopeLocal:
		return []string{evt.SourceComponentID}

	case model.ScopeParent:
		if parent, ok := e.tree.ParentOf(evt.SourceComponentID); ok {
			return []string{parent}
		}
		return nil

	case model.ScopeChildren:
		return e.tree.ChildrenOf(evt.SourceComponentID)

	case model.ScopeDescendants:
		return e.bfsDescendants(evt.SourceComponentID, 0)

	case model.ScopeSiblings:
		parent, ok := e.tree.ParentOf(evt.SourceComponentID)
		if !ok {
			return nil
		}
		var siblings []string
		for _, child := range e.tree.ChildrenOf(parent) {
			if child != evt.SourceComponentID {
				siblings = append(siblings, child)
			}
		}
		return siblings

	case model.ScopeAncestors:
		var chain []string
		current := evt.SourceComponentID
		for hops := 0; hops < maxHierarchyWalk; hops++ {
			parent, ok := e.tree.ParentOf(current)
			if !ok {
				break
			}
			chain = append(chain, parent)
			current = parent
		}
		return chain

	case model.ScopeGlobal:
		return e.tree.AllComponents()

	case model.ScopeSubtree:
		maxDepth := evt.MaxDepth
		if maxDepth <= 0 {
			maxDepth = maxHierarchyWalk
		}
		targets := []string{evt.SourceComponentID}
		return append(targets, e.bfsDescendants(evt.SourceComponentID, maxDepth)...)

	case model.ScopeCustom:
		e.mu.Lock()
		fn, ok := e.customScopes[evt.CustomScope]
		e.mu.Unlock()
		if !ok {
			return nil
		}
		return fn(evt.SourceComponentID, evt.MaxDepth)

	default:
		return nil
	}
}

// maxHierarchyWalk bounds unbounded ancestor/descendant walks the same
// way identity.MaxHierarchyDepth bounds parent_id chains.
const maxHierarchyWalk = 100

// bfsDescendants performs a breadth-first walk of childIDs, optionally
// bounded by maxDepth (0 = unbounded, per `descendants`).
func (e *Engine) bfsDescendants(root string, maxDepth int) []string {
	var out []string
	type frame struct {
		id    string
		depth int
	}
	queue := []frame{{root, 0}}
	visited := map[string]bool{root: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if maxDepth > 0 && cur.depth >= maxDepth {
			continue
		}
		for _, child := range e.tree.ChildrenOf(cur.id) {
			if visited[child] {
				continue
			}
			visited[child] = true
			out = append(out, child)
			queue = append(queue, frame{child, cur.depth + 1})
		}
	}
	return out
}
