// Package registry implements the Component Registry & Lifecycle
// Manager (spec.md §4.3): type registration, mount/unmount, action
// invocation, property shorthands, dependency resolution, and the
// bounded update cascade to dependents.
package registry

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/config"
	apierrors "github.com/systemsim/live-components/internal/errors"
	"github.com/systemsim/live-components/internal/identity"
	"github.com/systemsim/live-components/internal/model"
	"github.com/systemsim/live-components/internal/syncengine"
)

// defaultActionTimeout bounds call_action handlers (spec.md §5).
const defaultActionTimeout = 5 * time.Second

// maxCascadeDepth bounds the dependency.updated propagation (spec.md §4.3).
const maxCascadeDepth = 10

// Transport delivers a frame back to a specific connection by client id.
// Satisfied by the connection multiplexer.
type Transport interface {
	Send(clientID string, msg model.Message)
}

// DependencyNotifier routes a dependency.updated notification through
// the Event Engine. A nil notifier means dependents are tracked but
// never notified — acceptable since nothing declared a dependency yet
// needs propagation to function.
type DependencyNotifier interface {
	NotifyDependencyUpdated(dependentComponentID, sourceComponentID string, depth int)
}

// Registry satisfies model.ServiceDependencies so action handlers can
// borrow service-kind dependency connections via CallAction.
var _ model.ServiceDependencies = (*Registry)(nil)

// mountEntry bundles everything the registry owns about a live instance.
type mountEntry struct {
	instance *model.ComponentInstance
	engine   *syncengine.Engine
	ctype    *model.ComponentType
}

// Registry is the process-wide handle over every mounted instance.
// There is no global singleton (spec.md §9): callers construct and pass
// one explicitly.
type Registry struct {
	log       zerolog.Logger
	syncCfg   syncengine.Config
	transport Transport
	sink      syncengine.Sink
	notifier  DependencyNotifier

	servicesCfg map[string]config.ServiceConfig
	obs         syncengine.Observer
	fpCache     *identity.FingerprintCache

	mu         sync.RWMutex
	types      map[string]*model.ComponentType
	instances  map[string]*mountEntry
	byType     map[string][]string // type name -> live component ids
	dependents map[string][]string // component id -> dependents declared on it
	graceUntil map[string]time.Time

	pools map[string]*ServicePool
}

// New builds an empty Registry.
func New(log zerolog.Logger, syncCfg syncengine.Config, transport Transport, sink syncengine.Sink, notifier DependencyNotifier, servicesCfg map[string]config.ServiceConfig) *Registry {
	return &Registry{
		log:         log,
		syncCfg:     syncCfg,
		transport:   transport,
		sink:        sink,
		notifier:    notifier,
		servicesCfg: servicesCfg,
		fpCache:     identity.NewFingerprintCache(identity.DefaultFingerprintCacheSize),
		types:       make(map[string]*model.ComponentType),
		instances:   make(map[string]*mountEntry),
		byType:      make(map[string][]string),
		dependents:  make(map[string][]string),
		graceUntil:  make(map[string]time.Time),
		pools:       make(map[string]*ServicePool),
	}
}

// SetObserver wires the Observability subsystem into every Sync Engine
// the registry constructs from this point on, and retroactively into
// every already-mounted instance's engine.
func (r *Registry) SetObserver(obs syncengine.Observer) {
	r.mu.Lock()
	r.obs = obs
	entries := make([]*mountEntry, 0, len(r.instances))
	for _, e := range r.instances {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	for _, e := range entries {
		e.engine.SetObserver(obs)
	}
}

// SubscribersOf implements eventengine.SubscriberLookup: which
// connections are currently watching componentID.
func (r *Registry) SubscribersOf(componentID string) []string {
	entry, ok := r.lookupInstance(componentID)
	if !ok {
		return nil
	}
	return entry.instance.Subscribers()
}

// RegisterType implements spec.md §4.3 register_type(): idempotent by
// rejection, never by silent overwrite.
func (r *Registry) RegisterType(ct *model.ComponentType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[ct.Name]; exists {
		return apierrors.New(apierrors.ErrorTypeInternal, "duplicate_type",
			fmt.Sprintf("component type %q already registered", ct.Name))
	}
	r.types[ct.Name] = ct
	if err := r.checkDependencyCycles(ct.Name); err != nil {
		delete(r.types, ct.Name)
		return err
	}
	return nil
}

func (r *Registry) lookupType(name string) (*model.ComponentType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.types[name]
	return ct, ok
}

func (r *Registry) lookupInstance(componentID string) (*mountEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.instances[componentID]
	return entry, ok
}

// Mount implements spec.md §4.3 mount(). When the deterministic
// component_id already names a grace-period instance, it rebinds to the
// new connection and returns the current snapshot; when it names a
// still-live instance, the caller simply joins as an additional
// subscriber (a repeat mount of the same type+props+parent reuses the
// component_id of the instance it matches, independent of which client
// mounted it); otherwise a fresh instance is constructed.
func (r *Registry) Mount(clientID, typeName string, props map[string]any, parentID string) (*model.ComponentInstance, uint64, bool, error) {
	ct, ok := r.lookupType(typeName)
	if !ok {
		return nil, 0, false, apierrors.New(apierrors.ErrorTypeUnknownComponent, "unknown_component_type",
			fmt.Sprintf("component type %q is not registered", typeName))
	}

	now := time.Now()
	componentID, err := identity.ComponentID(identity.MountKey{Type: typeName, Props: props, ParentID: parentID}, now)
	if err != nil {
		return nil, 0, false, apierrors.New(apierrors.ErrorTypeInternal, "identity_failed", err.Error())
	}

	r.mu.Lock()
	// component_id embeds the mount timestamp, so a repeat mount of the
	// same (type, props, parent_id) is matched against the live instances
	// of that type and reuses the id they were first mounted under.
	for _, id := range r.byType[typeName] {
		if e, ok := r.instances[id]; ok && e.instance.ParentID == parentID && reflect.DeepEqual(e.instance.Props, props) {
			componentID = id
			break
		}
	}
	entry, exists := r.instances[componentID]
	var rebind bool
	if exists {
		deadline, inGrace := r.graceUntil[componentID]
		rebind = inGrace && now.Before(deadline)
		if rebind {
			delete(r.graceUntil, componentID)
		}
	}
	r.mu.Unlock()

	if exists {
		if rebind {
			if state, serr := ct.InitialStateFactory(props); serr == nil {
				if fp, ferr := identity.Fingerprint(ct.Name, props, state); ferr == nil && fp != entry.instance.Fingerprint {
					r.log.Warn().Str("component_id", componentID).
						Msg("rebind fingerprint mismatch: initial_state_factory is non-deterministic for this type, keeping existing state")
				}
			}
			entry.instance.Lock()
			entry.instance.ClientID = clientID
			entry.instance.Unlock()
			entry.instance.SetLifecycle(model.StateReady, nil)
			r.log.Info().Str("component_id", componentID).Msg("rebind within grace period")
		}
		entry.instance.AddSubscriber(clientID)
		entry.instance.Touch(now)
		_, version := entry.instance.Snapshot()
		return entry.instance, version, rebind, nil
	}

	return r.mountFresh(clientID, ct, componentID, props, parentID, now)
}

func (r *Registry) mountFresh(clientID string, ct *model.ComponentType, componentID string, props map[string]any, parentID string, now time.Time) (*model.ComponentInstance, uint64, bool, error) {
	var parent *model.ComponentInstance
	depth := 0
	path := strings.ToLower(ct.Name)

	if parentID != "" {
		parentEntry, ok := r.lookupInstance(parentID)
		if !ok {
			return nil, 0, false, apierrors.New(apierrors.ErrorTypeComponentNotFound, "parent_not_found",
				fmt.Sprintf("parent component %q is not mounted", parentID))
		}
		parent = parentEntry.instance
		depth = parent.Depth + 1
		path = parent.Path + "." + path
	}

	if err := r.resolveDependencies(ct, componentID); err != nil {
		return nil, 0, false, err
	}

	state, err := ct.InitialStateFactory(props)
	if err != nil {
		return nil, 0, false, apierrors.New(apierrors.ErrorTypeInternal, "initial_state_failed", err.Error())
	}

	fingerprint, err := r.fpCache.Compute(componentID, ct.Name, props, state)
	if err != nil {
		return nil, 0, false, apierrors.New(apierrors.ErrorTypeInternal, "fingerprint_failed", err.Error())
	}

	instanceID := identity.InstanceID()
	inst := model.NewComponentInstance(instanceID, componentID, ct.Name, clientID, parentID, depth, path, props, fingerprint, now)
	inst.SetInitialState(state)

	engine := syncengine.New(inst, r.syncCfg, r.log, r, r.sink)
	if r.obs != nil {
		engine.SetObserver(r.obs)
	}
	entry := &mountEntry{instance: inst, engine: engine, ctype: ct}

	r.mu.Lock()
	r.instances[componentID] = entry
	r.byType[ct.Name] = append(r.byType[ct.Name], componentID)
	r.mu.Unlock()

	if parent != nil {
		parent.Lock()
		parent.AddChild(componentID)
		parent.Unlock()
	}

	inst.AddSubscriber(clientID)
	inst.SetLifecycle(model.StateInitializing, nil)

	if ct.OnMount != nil {
		if err := ct.OnMount(inst); err != nil {
			inst.SetLifecycle(model.StateError, err)
			r.log.Error().Err(err).Str("component_id", componentID).Msg("on_mount failed")
			return inst, 0, false, apierrors.New(apierrors.ErrorTypeInternal, "on_mount_failed", err.Error())
		}
	}
	inst.SetLifecycle(model.StateReady, nil)

	return inst, 0, false, nil
}

// resolveDependencies runs before on_mount (spec.md §4.3). A
// component-kind dependency is matched to the most recently mounted
// instance of that type; a service-kind dependency gets (or lazily
// dials) a ServicePool. state/event kinds carry no resolution step of
// their own: they are satisfied by the Sync and Event Engines at use
// time, not at mount time.
func (r *Registry) resolveDependencies(ct *model.ComponentType, dependentID string) error {
	for _, dep := range ct.Dependencies {
		switch dep.Kind {
		case model.DependencyComponent:
			r.mu.RLock()
			ids := r.byType[dep.Name]
			r.mu.RUnlock()
			if len(ids) == 0 {
				if dep.Required && dep.Resolution == model.ResolutionImmediate {
					return apierrors.New(apierrors.ErrorTypeComponentNotFound, "dependency_not_found",
						fmt.Sprintf("required dependency %q has no mounted instance", dep.Name))
				}
				continue
			}
			target := ids[len(ids)-1]
			r.mu.Lock()
			r.dependents[target] = append(r.dependents[target], dependentID)
			r.mu.Unlock()
		case model.DependencyService:
			if _, err := r.servicePool(dep.Name); err != nil && dep.Required {
				return err
			}
		}
	}
	return nil
}

// Service implements model.ServiceDependencies: it hands an action
// handler a connection borrowed from the named service dependency's
// pool, routed through that pool's circuit breaker (spec.md §4.3). The
// returned release func must be called exactly once.
func (r *Registry) Service(name string) (any, func(failed bool), error) {
	pool, err := r.servicePool(name)
	if err != nil {
		return nil, nil, err
	}
	conn := pool.Get()
	if conn == nil {
		return nil, nil, apierrors.New(apierrors.ErrorTypeActionFailed, "service_unavailable",
			fmt.Sprintf("service dependency %q has no available connection", name))
	}
	return conn, pool.Release, nil
}

func (r *Registry) servicePool(name string) (*ServicePool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[name]; ok {
		return p, nil
	}
	cfg, ok := r.servicesCfg[name]
	if !ok {
		return nil, apierrors.New(apierrors.ErrorTypeComponentNotFound, "service_not_configured",
			fmt.Sprintf("service dependency %q has no configuration", name))
	}
	pool, err := NewServicePool(name, cfg, 1)
	if err != nil {
		return nil, apierrors.New(apierrors.ErrorTypeInternal, "service_dial_failed", err.Error())
	}
	r.pools[name] = pool
	return pool, nil
}

// CallAction implements spec.md §4.3 call_action(): the handler runs
// under the instance's own critical section with a bounded timeout. A
// changed return state commits a synthetic root `set`; a non-nil result
// paired with a request_id is sent back as method_result.
func (r *Registry) CallAction(clientID, componentID, actionName string, payload map[string]any, requestID string) error {
	entry, ok := r.lookupInstance(componentID)
	if !ok {
		return apierrors.New(apierrors.ErrorTypeComponentNotFound, "component_not_found",
			fmt.Sprintf("component %q is not mounted", componentID)).WithRequestID(requestID)
	}
	handler, ok := entry.ctype.Actions[actionName]
	if !ok {
		return apierrors.New(apierrors.ErrorTypeActionFailed, "unknown_action",
			fmt.Sprintf("action %q is not defined on %q", actionName, entry.ctype.Name)).WithRequestID(requestID)
	}

	entry.instance.SetLifecycle(model.StateUpdating, nil)
	prevState, _ := entry.instance.Snapshot()

	type outcome struct {
		state any
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		entry.instance.Lock()
		newState, value, err := handler(entry.instance.State(), payload, r)
		entry.instance.Unlock()
		done <- outcome{newState, value, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			entry.instance.SetLifecycle(model.StateError, res.err)
			return apierrors.New(apierrors.ErrorTypeActionFailed, "action_failed", res.err.Error()).WithRequestID(requestID)
		}
		if !reflect.DeepEqual(res.state, prevState) {
			op := model.StateOperation{Op: model.OpSet, ComponentID: componentID, Value: res.state, OriginClientID: clientID}
			if _, err := entry.engine.ApplyLocal(op); err != nil {
				entry.instance.SetLifecycle(model.StateError, err)
				return err
			}
		}
		entry.instance.SetLifecycle(model.StateReady, nil)
		entry.instance.Touch(time.Now())
		if requestID != "" && res.value != nil {
			r.transport.Send(clientID, model.Message{
				Type:        model.TypeMethodResult,
				ComponentID: componentID,
				RequestID:   requestID,
				Timestamp:   nowMillis(),
				Payload:     map[string]any{"value": res.value},
			})
		}
		return nil
	case <-time.After(defaultActionTimeout):
		// The goroutine runs to completion in the background; its
		// result is discarded since nothing reads `done` again and the
		// instance's visible state is unchanged (spec.md §5, §8).
		return apierrors.New(apierrors.ErrorTypeActionTimeout, "action_timeout",
			fmt.Sprintf("action %q exceeded its timeout", actionName)).WithRequestID(requestID)
	}
}

// SetProperty implements spec.md §4.3 set_property(): a shorthand that
// commits a `set` op at path.
func (r *Registry) SetProperty(clientID, componentID, path string, value any) error {
	entry, ok := r.lookupInstance(componentID)
	if !ok {
		return apierrors.New(apierrors.ErrorTypeComponentNotFound, "component_not_found",
			fmt.Sprintf("component %q is not mounted", componentID))
	}
	_, err := entry.engine.ApplyLocal(model.StateOperation{
		Op: model.OpSet, ComponentID: componentID, Path: path, Value: value, OriginClientID: clientID,
	})
	return err
}

// ApplyRemoteOp feeds a client-submitted optimistic op through the
// instance's Sync Engine conflict detection (spec.md §4.4).
func (r *Registry) ApplyRemoteOp(componentID string, op model.StateOperation) (model.StateOperation, *model.Conflict, error) {
	entry, ok := r.lookupInstance(componentID)
	if !ok {
		return model.StateOperation{}, nil, apierrors.New(apierrors.ErrorTypeComponentNotFound, "component_not_found",
			fmt.Sprintf("component %q is not mounted", componentID))
	}
	return entry.engine.ApplyRemote(op)
}

// Engine exposes the per-instance Sync Engine, e.g. for sync_request
// replay and history inspection.
func (r *Registry) Engine(componentID string) (*syncengine.Engine, bool) {
	entry, ok := r.lookupInstance(componentID)
	if !ok {
		return nil, false
	}
	return entry.engine, true
}

// Instance exposes the live instance, e.g. for debug snapshots.
func (r *Registry) Instance(componentID string) (*model.ComponentInstance, bool) {
	entry, ok := r.lookupInstance(componentID)
	if !ok {
		return nil, false
	}
	return entry.instance, true
}

// Unmount implements spec.md §4.3 unmount() and §4.6's cascade: children
// are torn down depth-first (post-order) before the parent, each
// detaching from its parent's child_ids before descending further.
func (r *Registry) Unmount(componentID, reason string) error {
	entry, ok := r.lookupInstance(componentID)
	if !ok {
		return apierrors.New(apierrors.ErrorTypeComponentNotFound, "component_not_found",
			fmt.Sprintf("component %q is not mounted", componentID))
	}

	if parentID := entry.instance.ParentID; parentID != "" {
		if parentEntry, ok := r.lookupInstance(parentID); ok {
			parentEntry.instance.Lock()
			parentEntry.instance.RemoveChild(componentID)
			parentEntry.instance.Unlock()
		}
	}

	for _, childID := range entry.instance.ChildIDs() {
		if err := r.Unmount(childID, reason); err != nil {
			r.log.Warn().Err(err).Str("component_id", childID).Msg("cascade unmount failed")
		}
	}

	entry.instance.SetLifecycle(model.StateUnmounting, nil)

	if entry.ctype.OnUnmount != nil {
		if err := entry.ctype.OnUnmount(entry.instance); err != nil {
			r.log.Warn().Err(err).Str("component_id", componentID).Msg("on_unmount failed")
		}
	}

	r.fpCache.Forget(componentID)

	r.mu.Lock()
	delete(r.instances, componentID)
	delete(r.graceUntil, componentID)
	delete(r.dependents, componentID)
	ids := r.byType[entry.ctype.Name]
	for i, id := range ids {
		if id == componentID {
			r.byType[entry.ctype.Name] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	entry.instance.SetLifecycle(model.StateDestroyed, nil)
	return nil
}

// EnterGrace marks a component as surviving its connection's close for
// d, so a later Mount with an identical (type, props, parent_id) rebinds
// instead of recreating (spec.md §4.6 scenario 5). Called by the cleanup
// subsystem on connection close.
func (r *Registry) EnterGrace(componentID string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graceUntil[componentID] = time.Now().Add(d)
}

// CancelGrace clears a pending grace deadline.
func (r *Registry) CancelGrace(componentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.graceUntil, componentID)
}

// InGrace reports whether componentID is within its grace window.
func (r *Registry) InGrace(componentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deadline, ok := r.graceUntil[componentID]
	return ok && time.Now().Before(deadline)
}

// ComponentIDs returns a snapshot of every currently mounted component,
// used by the cleanup idle sweep and the "global" event scope.
func (r *Registry) ComponentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	return ids
}

// ParentOf and ChildrenOf implement eventengine.TreeResolver, letting
// the Event Engine resolve scopes against the live component tree
// without owning it.
func (r *Registry) ParentOf(componentID string) (string, bool) {
	entry, ok := r.lookupInstance(componentID)
	if !ok || entry.instance.ParentID == "" {
		return "", false
	}
	return entry.instance.ParentID, true
}

func (r *Registry) ChildrenOf(componentID string) []string {
	entry, ok := r.lookupInstance(componentID)
	if !ok {
		return nil
	}
	return entry.instance.ChildIDs()
}

// AllComponents implements eventengine.TreeResolver's "global" scope.
func (r *Registry) AllComponents() []string {
	return r.ComponentIDs()
}

// BroadcastStateUpdate implements syncengine.Broadcaster: it fans a
// committed state_update out to every subscribing connection and then
// cascades a bounded dependency.updated notification (spec.md §4.3).
func (r *Registry) BroadcastStateUpdate(componentID string, subscriberClientIDs []string, op model.StateOperation, state any, version uint64) {
	v := version
	msg := model.Message{
		Type:        model.TypeStateUpdate,
		ComponentID: componentID,
		Timestamp:   nowMillis(),
		Version:     &v,
		Payload: map[string]any{
			"state": state,
			"op":    op,
		},
	}
	for _, clientID := range subscriberClientIDs {
		r.transport.Send(clientID, msg)
	}
	r.cascadeDependencyUpdate(componentID, 0)
}

// NotifyConflictUnresolved implements syncengine.Broadcaster for the
// manual-strategy critical-severity path (spec.md §4.4, §7).
func (r *Registry) NotifyConflictUnresolved(clientID, componentID string, conflict model.Conflict) {
	r.transport.Send(clientID, model.Message{
		Type:        model.TypeError,
		ComponentID: componentID,
		Error:       string(apierrors.ErrorTypeConflictUnresolved),
		Timestamp:   nowMillis(),
		Payload:     map[string]any{"conflict_id": conflict.ConflictID},
	})
}

func (r *Registry) cascadeDependencyUpdate(componentID string, depth int) {
	if depth >= maxCascadeDepth || r.notifier == nil {
		return
	}
	r.mu.RLock()
	deps := append([]string(nil), r.dependents[componentID]...)
	r.mu.RUnlock()
	for _, dep := range deps {
		r.notifier.NotifyDependencyUpdated(dep, componentID, depth)
		r.cascadeDependencyUpdate(dep, depth+1)
	}
}

// Close tears down every service pool the registry dialed.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, p := range r.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func nowMillis() int64 { return time.Now().UnixMilli() }
