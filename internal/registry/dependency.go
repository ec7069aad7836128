package registry

import (
	"fmt"

	apierrors "github.com/systemsim/live-components/internal/errors"
	"github.com/systemsim/live-components/internal/model"
)

// checkDependencyCycles runs a DFS over declared ComponentType
// dependencies of kind "component" to reject cyclic declarations at
// registration time (spec.md §4.3 "Cycles in the dependency graph are
// detected by DFS on declaration and rejected").
func (r *Registry) checkDependencyCycles(name string) error {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var dfs func(n string) error
	dfs = func(n string) error {
		if visiting[n] {
			return apierrors.New(apierrors.ErrorTypeCyclicDependency, "cyclic_dependency",
				fmt.Sprintf("dependency cycle detected at %s", n))
		}
		if visited[n] {
			return nil
		}
		visiting[n] = true
		defer func() { visiting[n] = false }()

		ct, ok := r.types[n]
		if !ok {
			return nil
		}
		for _, dep := range ct.Dependencies {
			if dep.Kind != model.DependencyComponent {
				continue
			}
			if err := dfs(dep.Name); err != nil {
				return err
			}
		}
		visited[n] = true
		return nil
	}

	return dfs(name)
}

// topoOrder returns component dependencies of kind "component" in the
// order they must be mounted before `name` itself (spec.md §4.3
// "Topological order determines mount order when a parent mounts with
// auto-resolved children").
func (r *Registry) topoOrder(name string) []string {
	visited := make(map[string]bool)
	var order []string

	var visit func(n string)
	visit = func(n string) {
		if visited[n] {
			return
		}
		visited[n] = true
		ct, ok := r.types[n]
		if !ok {
			return
		}
		for _, dep := range ct.Dependencies {
			if dep.Kind == model.DependencyComponent {
				visit(dep.Name)
			}
		}
		order = append(order, n)
	}
	visit(name)
	// Drop the type itself; callers want only its prerequisites.
	if len(order) > 0 && order[len(order)-1] == name {
		order = order[:len(order)-1]
	}
	return order
}
