package syncengine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/model"
)

// Config governs conflict detection/resolution and history retention,
// sourced from spec.md §6 `sync: {...}`.
type Config struct {
	ToleranceWindow    time.Duration
	AutoResolveDelay   time.Duration
	MaxHistory         int
	MaxConflictHistory int
	DefaultStrategy    model.ConflictStrategy
	DebounceInterval   time.Duration
}

// Broadcaster delivers a committed state_update to every subscriber of
// a component instance.
type Broadcaster interface {
	BroadcastStateUpdate(componentID string, subscriberClientIDs []string, op model.StateOperation, state any, version uint64)
	NotifyConflictUnresolved(clientID, componentID string, conflict model.Conflict)
}

// Sink is the optional pluggable durable/broadcast sink (spec.md §3:
// "optional durable storage is a pluggable sink"). Engines call it
// best-effort; a Sink failure never blocks a commit.
type Sink interface {
	RecordOperation(componentID string, op model.StateOperation)
	RecordConflict(conflict model.Conflict)
}

// Observer feeds the Observability subsystem (spec.md §4.7): commit
// latency, conflicts by severity, and anomaly detection. Optional — a
// nil Observer means nothing is recorded.
type Observer interface {
	RecordCommit(d time.Duration)
	RecordConflict(severity string)
	ReportIssue(kind, componentID, detail string)
}

// updateFrequencyWindow and updateFrequencyLimit bound the "excessive
// update frequency" heuristic (spec.md §4.7): more than limit commits
// within window on a single instance is reported as an issue, not
// rejected — detection is diagnostic only.
const (
	updateFrequencyWindow = time.Second
	updateFrequencyLimit  = 50
)

// Engine is the per-instance Sync Engine (spec.md §4.4).
type Engine struct {
	inst        *model.ComponentInstance
	cfg         Config
	log         zerolog.Logger
	broadcaster Broadcaster
	sink        Sink
	obs         Observer

	strategyOverride map[string]model.ConflictStrategy // path -> strategy
	mergePriority    mergePriorityTable
	customResolver   CustomResolver

	mu          sync.Mutex
	history     []model.StateOperation
	conflicts   []model.Conflict
	commitTimes []time.Time

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// New builds a Sync Engine bound to a single instance.
func New(inst *model.ComponentInstance, cfg Config, log zerolog.Logger, broadcaster Broadcaster, sink Sink) *Engine {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 50
	}
	if cfg.MaxConflictHistory <= 0 {
		cfg.MaxConflictHistory = 1000
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = model.StrategyLastWriteWins
	}
	return &Engine{
		inst:             inst,
		cfg:              cfg,
		log:              log,
		broadcaster:      broadcaster,
		sink:             sink,
		strategyOverride: make(map[string]model.ConflictStrategy),
	}
}

// SetStrategyForPath overrides the conflict-resolution strategy for a
// specific state path (spec.md §4.4 "configurable per component, or by
// key, or by severity").
func (e *Engine) SetStrategyForPath(path string, strategy model.ConflictStrategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategyOverride[path] = strategy
}

// SetMergePriorityTable configures the merge_priority strategy's
// per-key local/global preference table.
func (e *Engine) SetMergePriorityTable(t mergePriorityTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mergePriority = t
}

// SetCustomResolver registers the `custom` strategy implementation.
func (e *Engine) SetCustomResolver(fn CustomResolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.customResolver = fn
}

// SetObserver wires the Observability subsystem in after construction,
// since the Registry builds Observer and Engine independently.
func (e *Engine) SetObserver(obs Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.obs = obs
}

// ApplyLocal commits a server-originated op (an action result or
// set_property) with no conflict checking: the server is always
// authoritative over its own mutations.
func (e *Engine) ApplyLocal(op model.StateOperation) (model.StateOperation, error) {
	return e.commit(op)
}

// ApplyRemote commits a client-submitted op (spec.md §4.4), running
// conflict detection against the instance's recent history first. When
// the governing strategy is `manual`, the op is not committed and a
// pending Conflict is returned with a nil error. A critical-severity
// conflict sends one conflict_unresolved error to the originating client
// and stays pending; any other is resolved last_write_wins after
// AutoResolveDelay and its commit goes out as an ordinary state_update.
// No conflict_resolved frame is sent.
func (e *Engine) ApplyRemote(op model.StateOperation) (model.StateOperation, *model.Conflict, error) {
	if op.OpID != "" {
		if prior, ok := e.findByOpID(op.OpID); ok {
			return prior, nil, nil // idempotent replay, spec.md §8
		}
	}

	e.mu.Lock()
	now := op.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	var conflictWith *model.StateOperation
	for i := len(e.history) - 1; i >= 0; i-- {
		h := e.history[i]
		if now.Sub(h.Timestamp) > e.cfg.ToleranceWindow {
			break
		}
		if h.OriginClientID == op.OriginClientID {
			continue
		}
		if overlaps(h.Path, op.Path) {
			conflictWith = &h
			break
		}
	}
	e.mu.Unlock()

	if conflictWith == nil {
		committed, err := e.commit(op)
		return committed, nil, err
	}

	conflict := buildConflict(e.inst.ComponentID, *conflictWith, op)
	strategy := e.strategyFor(conflict)

	if strategy == model.StrategyManual {
		conflict.StrategyUsed = model.StrategyManual
		e.recordConflict(conflict)
		if conflict.Severity == model.SeverityCritical {
			e.broadcaster.NotifyConflictUnresolved(op.OriginClientID, e.inst.ComponentID, conflict)
			return model.StateOperation{}, &conflict, nil
		}
		e.scheduleAutoResolve(conflict)
		return model.StateOperation{}, &conflict, nil
	}

	resolvedOp, err := resolve(strategy, *conflictWith, op, e.mergePriority, e.customResolver)
	if err != nil {
		return model.StateOperation{}, nil, err
	}
	committed, err := e.commit(resolvedOp)
	if err != nil {
		return committed, nil, err
	}
	conflict.StrategyUsed = strategy
	conflict.Status = model.ConflictResolved
	conflict.ResolvedAt = time.Now()
	e.recordConflict(conflict)
	if e.sink != nil {
		e.sink.RecordConflict(conflict)
	}
	return committed, &conflict, nil
}

func (e *Engine) findByOpID(opID string) (model.StateOperation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].OpID == opID {
			return e.history[i], true
		}
	}
	return model.StateOperation{}, false
}

func (e *Engine) strategyFor(conflict model.Conflict) model.ConflictStrategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.strategyOverride[conflict.RemoteOp.Path]; ok {
		return s
	}
	return e.cfg.DefaultStrategy
}

// scheduleAutoResolve fires last_write_wins after AutoResolveDelay for
// non-critical manual-strategy conflicts (spec.md §4.4).
func (e *Engine) scheduleAutoResolve(conflict model.Conflict) {
	delay := e.cfg.AutoResolveDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	time.AfterFunc(delay, func() {
		resolved, err := resolve(model.StrategyLastWriteWins, conflict.LocalOp, conflict.RemoteOp, nil, nil)
		if err != nil {
			e.markConflictFailed(conflict.ConflictID)
			return
		}
		if _, err := e.commit(resolved); err != nil {
			e.markConflictFailed(conflict.ConflictID)
			return
		}
		e.markConflictResolved(conflict.ConflictID, model.StrategyLastWriteWins)
	})
}

func (e *Engine) markConflictResolved(id string, strategy model.ConflictStrategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.conflicts {
		if e.conflicts[i].ConflictID == id {
			e.conflicts[i].Status = model.ConflictResolved
			e.conflicts[i].StrategyUsed = strategy
			e.conflicts[i].ResolvedAt = time.Now()
			return
		}
	}
}

func (e *Engine) markConflictFailed(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.conflicts {
		if e.conflicts[i].ConflictID == id {
			e.conflicts[i].Status = model.ConflictFailed
			return
		}
	}
}

func (e *Engine) recordConflict(conflict model.Conflict) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conflicts = append(e.conflicts, conflict)
	if len(e.conflicts) > e.cfg.MaxConflictHistory {
		e.conflicts = e.conflicts[len(e.conflicts)-e.cfg.MaxConflictHistory:]
	}
	if e.obs != nil {
		e.obs.RecordConflict(string(conflict.Severity))
	}
}

// commit is the authoritative commit protocol, spec.md §4.4 steps 1-4.
func (e *Engine) commit(op model.StateOperation) (model.StateOperation, error) {
	start := time.Now()

	e.inst.Lock()
	state := e.inst.State()
	newState, prev, err := apply(state, op.Op, op.Path, op.Value)
	if err != nil {
		e.inst.Unlock()
		return model.StateOperation{}, err
	}
	e.inst.SetState(newState)
	version := e.inst.Version()
	e.inst.Unlock()

	op.Version = version
	op.PrevValue = prev
	if op.OpID == "" {
		op.OpID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}

	e.appendHistory(op)
	e.checkUpdateFrequency(start)

	if e.sink != nil {
		e.sink.RecordOperation(e.inst.ComponentID, op)
	}
	if e.obs != nil {
		e.obs.RecordCommit(time.Since(start))
	}

	e.debounceBroadcast(op, newState, version)
	return op, nil
}

// checkUpdateFrequency reports an "excessive update frequency" issue
// when this instance has committed more than updateFrequencyLimit
// operations within updateFrequencyWindow (spec.md §4.7).
func (e *Engine) checkUpdateFrequency(now time.Time) {
	if e.obs == nil {
		return
	}
	e.mu.Lock()
	e.commitTimes = append(e.commitTimes, now)
	cutoff := now.Add(-updateFrequencyWindow)
	i := 0
	for i < len(e.commitTimes) && e.commitTimes[i].Before(cutoff) {
		i++
	}
	e.commitTimes = e.commitTimes[i:]
	count := len(e.commitTimes)
	e.mu.Unlock()

	if count > updateFrequencyLimit {
		e.obs.ReportIssue("excessive_update_frequency", e.inst.ComponentID,
			fmt.Sprintf("%d commits within %s", count, updateFrequencyWindow))
	}
}

func (e *Engine) appendHistory(op model.StateOperation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, op)
	if len(e.history) > e.cfg.MaxHistory {
		e.history = e.history[len(e.history)-e.cfg.MaxHistory:]
	}
}

// debounceBroadcast coalesces a burst of commits into a single outbound
// state_update, sent once DebounceInterval passes with no further
// commit (each commit restarts the timer); commits themselves are never
// delayed (spec.md §4.4 "the server applies debouncing only to outbound
// broadcasts, never to commits").
func (e *Engine) debounceBroadcast(op model.StateOperation, state any, version uint64) {
	if e.cfg.DebounceInterval <= 0 {
		e.flushBroadcast(op, state, version)
		return
	}
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	e.debounceTimer = time.AfterFunc(e.cfg.DebounceInterval, func() {
		e.flushBroadcast(op, state, version)
	})
}

func (e *Engine) flushBroadcast(op model.StateOperation, state any, version uint64) {
	e.broadcaster.BroadcastStateUpdate(e.inst.ComponentID, e.inst.Subscribers(), op, state, version)
}

// Snapshot returns (state, version), spec.md §4.4 `snapshot()`.
func (e *Engine) Snapshot() (any, uint64) {
	return e.inst.Snapshot()
}

// History returns up to limit most-recent committed ops, spec.md §4.4
// `history(limit)`.
func (e *Engine) History(limit int) []model.StateOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]model.StateOperation, limit)
	copy(out, e.history[len(e.history)-limit:])
	return out
}

// Conflicts returns a snapshot of the recorded conflicts, most recent
// last.
func (e *Engine) Conflicts() []model.Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Conflict, len(e.conflicts))
	copy(out, e.conflicts)
	return out
}

// SinceVersion replays history to reconstruct the operations applied
// after `from`, supporting sync_request's round-trip law (spec.md §8).
func (e *Engine) SinceVersion(from uint64) []model.StateOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.StateOperation
	for _, op := range e.history {
		if op.Version > from {
			out = append(out, op)
		}
	}
	return out
}
