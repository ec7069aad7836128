// Package cleanup implements the Cleanup / Garbage-Collection subsystem
// (spec.md §4.6): connection-close and idle sweeps, weak-reference-style
// liveness tracking, batched cascaded teardown, and an emergency
// shutdown path with a hard wall-clock budget.
package cleanup

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/model"
)

// Target priority, higher runs first within a sweep batch (spec.md
// §4.6 "ordered by priority (higher first) then age (older first)").
const (
	PriorityIdle          = 0
	PriorityGraceExpired  = 1
	PriorityWeakRef       = 1
	PriorityEmergency     = 2
)

// RegistryFacade is the slice of the Component Registry the cleanup
// subsystem needs: it never reaches into the instance map directly.
type RegistryFacade interface {
	Unmount(componentID, reason string) error
	Instance(componentID string) (*model.ComponentInstance, bool)
	ComponentIDs() []string
	EnterGrace(componentID string, d time.Duration)
}

// Observer records cleanup outcomes for the Observability subsystem.
// Optional: a nil Observer simply means nothing is recorded.
type Observer interface {
	RecordCleanup(success bool, duration time.Duration)
}

// Config mirrors spec.md §6 `cleanup: {...}`.
type Config struct {
	GCInterval      time.Duration
	StaleThreshold  time.Duration
	MaxBatch        int
	EnableWeakRef   bool
	EmergencyBudget time.Duration
	GracePeriod     time.Duration
}

type pendingTarget struct {
	componentID string
	priority    int
	scheduledAt time.Time
	reason      string
	hooks       []func() error
}

// Manager is the process-wide cleanup handle. There is no global
// singleton (spec.md §9): callers construct and own one explicitly.
type Manager struct {
	log      zerolog.Logger
	cfg      Config
	registry RegistryFacade
	obs      Observer

	mu       sync.Mutex
	pending  map[string]*pendingTarget
	inFlight map[string]bool
	liveness map[string]bool

	stopCh chan struct{}
	once   sync.Once
}

// New builds a Manager bound to a Registry.
func New(cfg Config, log zerolog.Logger, registry RegistryFacade, obs Observer) *Manager {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 50
	}
	if cfg.EmergencyBudget <= 0 {
		cfg.EmergencyBudget = 2 * time.Second
	}
	return &Manager{
		log:      log,
		cfg:      cfg,
		registry: registry,
		obs:      obs,
		pending:  make(map[string]*pendingTarget),
		inFlight: make(map[string]bool),
		liveness: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Run drives the periodic idle sweep and batch drains until Stop is
// called. Intended to run in its own goroutine.
func (m *Manager) Run() {
	interval := m.cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.idleSweep()
			m.weakRefSweep()
			m.RunSweep()
		}
	}
}

// Stop halts the periodic loop; safe to call multiple times.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

// ComponentUnmountRequested handles trigger 1 (spec.md §4.6): an
// explicit component_unmount frame runs immediately, bypassing the
// batched sweep, since it is a single user-driven operation expecting a
// synchronous outcome.
func (m *Manager) ComponentUnmountRequested(componentID, reason string) error {
	start := time.Now()
	err := m.registry.Unmount(componentID, reason)
	if m.obs != nil {
		m.obs.RecordCleanup(err == nil, time.Since(start))
	}
	return err
}

// ConnectionClosed handles trigger 2 (spec.md §4.6): every component
// whose only remaining subscriber was clientID enters its grace period
// (immediate, i.e. zero duration, for abnormal closes) before an actual
// unmount is scheduled.
func (m *Manager) ConnectionClosed(clientID string, mountedComponents []string, abnormal bool) {
	grace := m.cfg.GracePeriod
	if abnormal {
		grace = 0
	}
	for _, componentID := range mountedComponents {
		inst, ok := m.registry.Instance(componentID)
		if !ok {
			continue
		}
		inst.RemoveSubscriber(clientID)
		if inst.SubscriberCount() > 0 {
			continue
		}
		m.scheduleGraceUnmount(componentID, grace)
	}
}

func (m *Manager) scheduleGraceUnmount(componentID string, grace time.Duration) {
	m.registry.EnterGrace(componentID, grace)
	time.AfterFunc(grace, func() {
		inst, ok := m.registry.Instance(componentID)
		if !ok {
			return // already torn down by another path
		}
		if inst.SubscriberCount() > 0 {
			return // a reconnect rebound it during the grace window
		}
		m.EnqueueTarget(componentID, PriorityGraceExpired, "grace_expired")
	})
}

// idleSweep handles trigger 3: components whose last_activity_at
// exceeds StaleThreshold are scheduled for cleanup.
func (m *Manager) idleSweep() {
	now := time.Now()
	for _, componentID := range m.registry.ComponentIDs() {
		inst, ok := m.registry.Instance(componentID)
		if !ok {
			continue
		}
		if inst.IdleSince(now) > m.cfg.StaleThreshold {
			m.EnqueueTarget(componentID, PriorityIdle, "idle_timeout")
		}
	}
}

// MarkDead flags componentID as logically collected by its owner,
// approximating a weak reference where the host has none (spec.md §9).
func (m *Manager) MarkDead(componentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveness[componentID] = false
}

// MarkLive clears a prior MarkDead flag, e.g. on rebind.
func (m *Manager) MarkLive(componentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.liveness, componentID)
}

// weakRefSweep handles trigger 4: a target flagged dead is collected on
// the next cycle.
func (m *Manager) weakRefSweep() {
	if !m.cfg.EnableWeakRef {
		return
	}
	m.mu.Lock()
	var dead []string
	for componentID, alive := range m.liveness {
		if !alive {
			dead = append(dead, componentID)
		}
	}
	m.mu.Unlock()
	for _, componentID := range dead {
		m.EnqueueTarget(componentID, PriorityWeakRef, "weakref_collected")
	}
}

// EnqueueTarget schedules componentID for the next batch, skipping it if
// it is already pending or mid-cleanup (spec.md §4.6 "a target currently
// being cleaned is not re-entered").
func (m *Manager) EnqueueTarget(componentID string, priority int, reason string, hooks ...func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[componentID] {
		return
	}
	if existing, ok := m.pending[componentID]; ok && existing.priority >= priority {
		return
	}
	m.pending[componentID] = &pendingTarget{
		componentID: componentID,
		priority:    priority,
		scheduledAt: time.Now(),
		reason:      reason,
		hooks:       hooks,
	}
}

// RunSweep drains up to MaxBatch pending targets, highest priority
// first and oldest first within a priority (spec.md §4.6 "Batching").
func (m *Manager) RunSweep() {
	for _, t := range m.popBatch(m.cfg.MaxBatch) {
		m.processTarget(t)
	}
}

func (m *Manager) popBatch(n int) []*pendingTarget {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := make([]*pendingTarget, 0, len(m.pending))
	for _, t := range m.pending {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].priority != targets[j].priority {
			return targets[i].priority > targets[j].priority
		}
		return targets[i].scheduledAt.Before(targets[j].scheduledAt)
	})
	if n > 0 && len(targets) > n {
		targets = targets[:n]
	}
	for _, t := range targets {
		delete(m.pending, t.componentID)
		m.inFlight[t.componentID] = true
	}
	return targets
}

func (m *Manager) processTarget(t *pendingTarget) {
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, t.componentID)
		delete(m.liveness, t.componentID)
		m.mu.Unlock()
	}()

	start := time.Now()
	for i, hook := range t.hooks {
		if err := hook(); err != nil {
			m.log.Warn().Err(err).Str("component_id", t.componentID).Int("hook_index", i).Msg("cleanup hook failed")
		}
	}

	err := m.registry.Unmount(t.componentID, t.reason)
	if err != nil {
		m.log.Warn().Err(err).Str("component_id", t.componentID).Msg("cleanup unmount failed")
	}
	if m.obs != nil {
		m.obs.RecordCleanup(err == nil, time.Since(start))
	}
}

// EmergencyShutdown handles trigger 5 (spec.md §4.6, §5): runs every
// pending cleanup within a hard wall-clock budget, abandoning whatever
// remains once the budget is exhausted.
func (m *Manager) EmergencyShutdown() {
	budget := m.cfg.EmergencyBudget
	deadline := time.Now().Add(budget)

	targets := m.popBatch(0) // drain everything pending
	for i, t := range targets {
		if time.Now().After(deadline) {
			m.log.Warn().Int("abandoned", len(targets)-i).Msg("emergency cleanup budget exhausted")
			break
		}
		m.processTarget(t)
	}
}
