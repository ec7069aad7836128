// Package eventengine implements the Event Engine (spec.md §4.5):
// scoped event routing across the component hierarchy, a priority
// queue with batching, a middleware pipeline, and a bounded dead-letter
// ring for events the queue could not hold or could not dispatch.
package eventengine

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/model"
)

// Transport delivers a cross-connection broadcast frame to a specific
// client (spec.md §6 `broadcast { scope, ... }`).
type Transport interface {
	Send(clientID string, msg model.Message)
}

// SubscriberLookup resolves which connections are subscribed to a given
// component, so a dispatched event can also reach its owning client(s).
type SubscriberLookup interface {
	SubscribersOf(componentID string) []string
}

// Middleware runs before dispatch; calling next() continues the chain,
// not calling it (or setting evt.Stopped) halts it (spec.md §4.5).
type Middleware func(evt *model.Event, next func())

// Observer feeds the Observability subsystem (spec.md §4.7): events
// processed by scope, processing latency, and dead-letter/failure
// counts. Optional — a nil Observer means nothing is recorded.
type Observer interface {
	RecordEvent(scope string, d time.Duration)
	RecordEventFailure(reason string)
}

// Config governs queue capacity and batching, spec.md §6 `events: {...}`.
type Config struct {
	MaxQueue          int
	ProcessingTimeout time.Duration
	BatchSize         int
	BatchTimeout      time.Duration
	MaxHistory        int
	DeadLetterSize    int
}

// Engine is the process-wide Event Engine. One Engine serves every
// mounted component; there is no global singleton (spec.md §9).
type Engine struct {
	cfg  Config
	log  zerolog.Logger
	tree TreeResolver

	transport    Transport
	subscribers  SubscriberLookup
	obs          Observer

	mu           sync.Mutex
	queue        priorityQueue
	seq          int64
	middleware   []Middleware
	customScopes map[string]ScopeResolverFunc

	subsMu        sync.RWMutex
	subscriptions map[string][]*model.Subscription // event name -> subs

	historyMu sync.Mutex
	history   []*model.Event

	deadLetterMu sync.Mutex
	deadLetter   []*model.Event

	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// New builds an Engine bound to the live component tree and ready to
// send cross-connection broadcasts.
func New(cfg Config, log zerolog.Logger, tree TreeResolver, transport Transport, subscribers SubscriberLookup) *Engine {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if cfg.DeadLetterSize <= 0 {
		cfg.DeadLetterSize = 50
	}
	return &Engine{
		cfg:           cfg,
		log:           log,
		tree:          tree,
		transport:     transport,
		subscribers:   subscribers,
		customScopes:  make(map[string]ScopeResolverFunc),
		subscriptions: make(map[string][]*model.Subscription),
		wake:          make(chan struct{}, 1),
		closed:        make(chan struct{}),
	}
}

// Use registers a middleware, invoked in registration order ahead of
// every dispatch.
func (e *Engine) Use(mw Middleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middleware = append(e.middleware, mw)
}

// SetObserver wires the Observability subsystem in after construction.
func (e *Engine) SetObserver(obs Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.obs = obs
}

// RegisterScopeResolver installs a `custom` scope resolver under name.
func (e *Engine) RegisterScopeResolver(name string, fn ScopeResolverFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.customScopes[name] = fn
}

// Subscribe registers a listener for name on componentID and returns an
// unsubscribe function (spec.md §4.5 `subscribe`).
func (e *Engine) Subscribe(componentID, name string, listener func(*model.Event), priority model.EventPriority, once bool, filter func(*model.Event) bool) (unsubscribe func()) {
	sub := &model.Subscription{
		SubscriptionID: uuid.NewString(),
		ComponentID:    componentID,
		EventName:      name,
		Filter:         filter,
		Priority:       priority,
		Once:           once,
		Active:         true,
		Listener:       listener,
	}
	e.subsMu.Lock()
	e.subscriptions[name] = append(e.subscriptions[name], sub)
	e.subsMu.Unlock()

	return func() { e.unsubscribe(name, sub.SubscriptionID) }
}

func (e *Engine) unsubscribe(name, subscriptionID string) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	subs := e.subscriptions[name]
	for i, s := range subs {
		if s.SubscriptionID == subscriptionID {
			e.subscriptions[name] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit enqueues an event for dispatch (spec.md §4.5 `emit`). Overflow at
// MaxQueue drops the oldest low-priority event into the dead-letter ring
// (spec.md §8); critical events are never dropped.
func (e *Engine) Emit(evt *model.Event) error {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.EnqueuedAt.IsZero() {
		evt.EnqueuedAt = time.Now()
	}

	e.mu.Lock()
	evt.Seq = e.seq
	e.seq++

	var dropped *model.Event
	var rejected bool
	if len(e.queue) >= e.cfg.MaxQueue {
		idx := e.queue.lowestPriorityIndex()
		switch {
		case idx != -1 && e.queue[idx].Priority < model.PriorityCritical:
			// spec.md §8: overflow drops the oldest low-priority event.
			dropped = e.queue[idx]
			heap.Remove(&e.queue, idx)
		case evt.Priority != model.PriorityCritical:
			// Queue is saturated with critical events; this one yields.
			rejected = true
		}
		// Both dropped == nil and rejected == false here means the
		// queue is full of criticals and evt is also critical: critical
		// events are never dropped, so it is let through over capacity.
	}
	if !rejected {
		heap.Push(&e.queue, evt)
	}
	e.mu.Unlock()

	if dropped != nil {
		e.recordDeadLetter(dropped)
		if e.obs != nil {
			e.obs.RecordEventFailure("queue_overflow")
		}
	}
	if rejected {
		e.recordDeadLetter(evt)
		if e.obs != nil {
			e.obs.RecordEventFailure("queue_overflow")
		}
		return fmt.Errorf("eventengine: queue at capacity, event %q dropped", evt.Name)
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the batching worker loop until ctx-equivalent Stop is
// called. Intended to run in its own goroutine.
func (e *Engine) Run() {
	ticker := time.NewTicker(e.cfg.BatchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-e.closed:
			return
		case <-e.wake:
			e.drainBatch()
		case <-ticker.C:
			e.drainBatch()
		}
	}
}

// Stop halts the worker loop; safe to call multiple times.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.closed) })
}

func (e *Engine) drainBatch() {
	e.mu.Lock()
	n := e.cfg.BatchSize
	if n > len(e.queue) {
		n = len(e.queue)
	}
	batch := make([]*model.Event, 0, n)
	for i := 0; i < n; i++ {
		evt := heap.Pop(&e.queue).(*model.Event)
		batch = append(batch, evt)
	}
	e.mu.Unlock()

	for _, evt := range batch {
		e.dispatch(evt)
	}
}

func (e *Engine) dispatch(evt *model.Event) {
	start := time.Now()
	defer func() {
		if e.obs != nil {
			e.obs.RecordEvent(string(evt.Scope), time.Since(start))
		}
	}()

	if evt.Cancelable && evt.DefaultPrevented {
		e.appendHistory(evt)
		return
	}
	if e.runMiddleware(evt) {
		e.appendHistory(evt)
		return
	}

	targets := e.resolveTargets(evt)
	for _, target := range targets {
		e.deliverToComponent(target, evt)
	}
	e.appendHistory(evt)
}

// runMiddleware executes the registered chain in order; it returns true
// if the event was stopped.
func (e *Engine) runMiddleware(evt *model.Event) bool {
	e.mu.Lock()
	chain := append([]Middleware(nil), e.middleware...)
	e.mu.Unlock()

	idx := 0
	var next func()
	next = func() {
		if evt.Stopped || idx >= len(chain) {
			return
		}
		mw := chain[idx]
		idx++
		mw(evt, next)
	}
	next()
	return evt.Stopped
}

func (e *Engine) deliverToComponent(componentID string, evt *model.Event) {
	e.subsMu.RLock()
	subs := append([]*model.Subscription(nil), e.subscriptions[evt.Name]...)
	e.subsMu.RUnlock()

	for _, sub := range subs {
		if !sub.Active || sub.ComponentID != componentID {
			continue
		}
		if sub.Filter != nil && !sub.Filter(evt) {
			continue
		}
		e.invokeListener(sub, evt)
		if sub.Once {
			e.unsubscribe(evt.Name, sub.SubscriptionID)
		}
	}

	if e.transport == nil || e.subscribers == nil {
		return
	}
	for _, clientID := range e.subscribers.SubscribersOf(componentID) {
		e.transport.Send(clientID, model.Message{
			Type:        model.TypeBroadcast,
			ComponentID: componentID,
			Timestamp:   evt.EnqueuedAt.UnixMilli(),
			Payload: map[string]any{
				"event_id": evt.EventID,
				"name":     evt.Name,
				"source":   evt.SourceComponentID,
				"scope":    evt.Scope,
				"payload":  evt.Payload,
			},
		})
	}
}

// invokeListener runs a listener, catching panics so one subscriber's
// failure never halts dispatch to the rest (spec.md §4.5 "listener
// exceptions are caught, logged, and do not halt dispatch").
func (e *Engine) invokeListener(sub *model.Subscription, evt *model.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Str("subscription_id", sub.SubscriptionID).
				Str("event", evt.Name).
				Interface("panic", r).
				Msg("event listener panicked")
		}
	}()
	sub.Listener(evt)
}

func (e *Engine) appendHistory(evt *model.Event) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	e.history = append(e.history, evt)
	if len(e.history) > e.cfg.MaxHistory {
		e.history = e.history[len(e.history)-e.cfg.MaxHistory:]
	}
}

func (e *Engine) recordDeadLetter(evt *model.Event) {
	e.deadLetterMu.Lock()
	defer e.deadLetterMu.Unlock()
	e.deadLetter = append(e.deadLetter, evt)
	if len(e.deadLetter) > e.cfg.DeadLetterSize {
		e.deadLetter = e.deadLetter[len(e.deadLetter)-e.cfg.DeadLetterSize:]
	}
}

// History returns a snapshot of dispatched events, most recent last.
func (e *Engine) History() []*model.Event {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	out := make([]*model.Event, len(e.history))
	copy(out, e.history)
	return out
}

// DeadLetters returns a snapshot of the dead-letter ring. Diagnostics
// only: nothing in the runtime re-drains it (spec.md §9).
func (e *Engine) DeadLetters() []*model.Event {
	e.deadLetterMu.Lock()
	defer e.deadLetterMu.Unlock()
	out := make([]*model.Event, len(e.deadLetter))
	copy(out, e.deadLetter)
	return out
}

// QueueLen reports the current pending-event count, for observability.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
