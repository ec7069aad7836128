package model

import (
	"sync"
	"time"
)

// MountResult is what an initial_state_factory or action handler hands
// back to the registry.
type MountResult struct {
	State any
}

// ActionHandler mutates a component's state in response to a named
// action, optionally returning a result to send back as method_result.
// deps resolves the ComponentType's own `service`-kind dependencies;
// it is never nil, even when the type declares no dependencies.
type ActionHandler func(state any, payload map[string]any, deps ServiceDependencies) (newState any, result any, err error)

// ServiceDependencies lets an ActionHandler borrow a connection backing
// one of its ComponentType's `service`-kind dependencies (spec.md §4.3).
// The registry implements this; release must be called exactly once,
// reporting whether the call failed so the service's circuit breaker
// can track it. conn's concrete type is the transport the registry
// dials with (currently *grpc.ClientConn) — handlers that know the
// service's proto contract type-assert it themselves.
type ServiceDependencies interface {
	Service(name string) (conn any, release func(failed bool), err error)
}

// DependencyKind enumerates the kinds of thing a component can depend
// on (spec.md §4.3).
type DependencyKind string

const (
	DependencyComponent DependencyKind = "component"
	DependencyService   DependencyKind = "service"
	DependencyState     DependencyKind = "state"
	DependencyEvent     DependencyKind = "event"
)

// ResolutionMode controls when a dependency is resolved relative to
// on_mount.
type ResolutionMode string

const (
	ResolutionImmediate  ResolutionMode = "immediate"
	ResolutionLazy       ResolutionMode = "lazy"
	ResolutionConditional ResolutionMode = "conditional"
	ResolutionAsync      ResolutionMode = "async"
)

// Dependency is a single declared dependency of a ComponentType.
type Dependency struct {
	Name       string
	Kind       DependencyKind
	Required   bool
	Resolution ResolutionMode
	Timeout    time.Duration
}

// ComponentType is a registered template: spec.md §3 ComponentType.
type ComponentType struct {
	Name                 string
	InitialStateFactory  func(props map[string]any) (any, error)
	Actions              map[string]ActionHandler
	Dependencies         []Dependency
	OnMount              func(instance *ComponentInstance) error
	OnUnmount            func(instance *ComponentInstance) error
}

// LifecycleState is the explicit state machine of §4.3.
type LifecycleState string

const (
	StateCreating    LifecycleState = "creating"
	StateInitializing LifecycleState = "initializing"
	StateReady       LifecycleState = "ready"
	StateUpdating    LifecycleState = "updating"
	StateUnmounting  LifecycleState = "unmounting"
	StateDestroyed   LifecycleState = "destroyed"
	StateError       LifecycleState = "error"
)

// ComponentInstance is a live mount, spec.md §3 ComponentInstance.
type ComponentInstance struct {
	InstanceID      string
	ComponentID     string
	Type            string
	ClientID        string
	ParentID        string
	Depth           int
	Path            string
	Props           map[string]any
	Fingerprint     string
	CreatedAt       time.Time
	LastActivityAt  time.Time

	mu          sync.RWMutex
	state       any
	version     uint64
	lifecycle   LifecycleState
	childIDs    map[string]struct{}
	subscribers map[string]struct{}
	lastError   error
}

// NewComponentInstance constructs an instance in the "creating" state.
func NewComponentInstance(instanceID, componentID, typeName, clientID, parentID string, depth int, path string, props map[string]any, fingerprint string, now time.Time) *ComponentInstance {
	return &ComponentInstance{
		InstanceID:     instanceID,
		ComponentID:    componentID,
		Type:           typeName,
		ClientID:       clientID,
		ParentID:       parentID,
		Depth:          depth,
		Path:           path,
		Props:          props,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
		LastActivityAt: now,
		lifecycle:      StateCreating,
		childIDs:       make(map[string]struct{}),
		subscribers:    make(map[string]struct{}),
	}
}

// Lock/Unlock expose the instance's own critical section: every
// mutation (state commit, child attach/detach, subscriber add/remove)
// is serialized through it, per the actor model of §5.
func (c *ComponentInstance) Lock()   { c.mu.Lock() }
func (c *ComponentInstance) Unlock() { c.mu.Unlock() }

// State returns the current opaque state value. Callers must hold the
// instance lock, or accept the snapshot may be stale by the time it is
// used (Snapshot() is the race-free alternative).
func (c *ComponentInstance) State() any { return c.state }

// SetState replaces the state and bumps the version; callers must hold
// the lock.
func (c *ComponentInstance) SetState(s any) {
	c.state = s
	c.version++
}

// Version returns the current version; callers must hold the lock.
func (c *ComponentInstance) Version() uint64 { return c.version }

// SetInitialState seeds state at mount time without incrementing
// version: spec.md §4.3 "assigns instance_id and version=0".
func (c *ComponentInstance) SetInitialState(s any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Snapshot returns a race-free (state, version) pair.
func (c *ComponentInstance) Snapshot() (any, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.version
}

// Lifecycle returns the current lifecycle state.
func (c *ComponentInstance) Lifecycle() LifecycleState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lifecycle
}

// SetLifecycle transitions the lifecycle state; a handler error moves
// the instance into StateError but never blocks cleanup eligibility.
func (c *ComponentInstance) SetLifecycle(s LifecycleState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lifecycle = s
	if err != nil {
		c.lastError = err
	}
}

// LastError returns the error captured on the last failed transition,
// if any.
func (c *ComponentInstance) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// AddChild/RemoveChild maintain the bidirectional parent/child
// invariant; callers must hold the parent instance's lock (§5: "the
// component tree is mutated under the per-instance lock of the
// parent").
func (c *ComponentInstance) AddChild(childID string) {
	c.childIDs[childID] = struct{}{}
}

func (c *ComponentInstance) RemoveChild(childID string) {
	delete(c.childIDs, childID)
}

// ChildIDs returns a snapshot slice of child component ids.
func (c *ComponentInstance) ChildIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.childIDs))
	for id := range c.childIDs {
		ids = append(ids, id)
	}
	return ids
}

// HasChild reports whether childID is a known child.
func (c *ComponentInstance) HasChild(childID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.childIDs[childID]
	return ok
}

// AddSubscriber/RemoveSubscriber track which connections receive
// state_update broadcasts for this instance.
func (c *ComponentInstance) AddSubscriber(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[clientID] = struct{}{}
}

func (c *ComponentInstance) RemoveSubscriber(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, clientID)
}

// Subscribers returns a snapshot of subscribing client ids.
func (c *ComponentInstance) Subscribers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// SubscriberCount is a read-locked convenience used by the cleanup
// sweep's "only remaining subscriber" check.
func (c *ComponentInstance) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers)
}

// Touch bumps LastActivityAt, used by the idle sweep.
func (c *ComponentInstance) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastActivityAt = now
}

// IdleSince reports how long the instance has been inactive.
func (c *ComponentInstance) IdleSince(now time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return now.Sub(c.LastActivityAt)
}
