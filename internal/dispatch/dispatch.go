// Package dispatch implements transport.Dispatcher: it translates each
// inbound frame (spec.md §6) into the corresponding Registry, Sync
// Engine, or Event Engine call, and turns the result back into an
// outbound frame on the originating connection.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	apierrors "github.com/systemsim/live-components/internal/errors"
	"github.com/systemsim/live-components/internal/model"
	"github.com/systemsim/live-components/internal/syncengine"
	"github.com/systemsim/live-components/internal/transport"
)

// Registry is the slice of internal/registry.Registry this package drives.
type Registry interface {
	Mount(clientID, typeName string, props map[string]any, parentID string) (*model.ComponentInstance, uint64, bool, error)
	CallAction(clientID, componentID, actionName string, payload map[string]any, requestID string) error
	SetProperty(clientID, componentID, path string, value any) error
	ApplyRemoteOp(componentID string, op model.StateOperation) (model.StateOperation, *model.Conflict, error)
	Instance(componentID string) (*model.ComponentInstance, bool)
	Engine(componentID string) (*syncengine.Engine, bool)
}

// CleanupManager is the slice of internal/cleanup.Manager this package drives.
type CleanupManager interface {
	ComponentUnmountRequested(componentID, reason string) error
	ConnectionClosed(clientID string, mountedComponents []string, abnormal bool)
}

// EventEngine is the slice of internal/eventengine.Engine this package drives.
type EventEngine interface {
	Emit(evt *model.Event) error
}

// ConnectionObserver feeds connection-lifecycle counts to Observability.
// Optional: a nil ConnectionObserver means nothing is recorded.
type ConnectionObserver interface {
	ConnectionOpened()
	ConnectionClosed(reason string)
}

// Dispatcher wires the Connection Multiplexer to the rest of the
// runtime, implementing transport.Dispatcher.
type Dispatcher struct {
	log     zerolog.Logger
	reg     Registry
	events  EventEngine
	cleanup CleanupManager
	obs     ConnectionObserver
}

// New builds a Dispatcher. obs may be nil.
func New(log zerolog.Logger, reg Registry, events EventEngine, cleanup CleanupManager, obs ConnectionObserver) *Dispatcher {
	return &Dispatcher{log: log, reg: reg, events: events, cleanup: cleanup, obs: obs}
}

// OnConnect implements transport.Dispatcher. The welcome frame is
// already sent by the multiplexer's Accept; this only updates metrics.
func (d *Dispatcher) OnConnect(conn *transport.Connection) {
	if d.obs != nil {
		d.obs.ConnectionOpened()
	}
}

// OnDisconnect implements transport.Dispatcher: every component this
// connection mounted enters cleanup's grace/orphan path (spec.md §4.6).
func (d *Dispatcher) OnDisconnect(conn *transport.Connection, abnormal bool) {
	d.cleanup.ConnectionClosed(conn.ClientID, conn.MountedComponents(), abnormal)
	if d.obs != nil {
		reason := "closed"
		if abnormal {
			reason = "abnormal"
		}
		d.obs.ConnectionClosed(reason)
	}
}

// Dispatch implements transport.Dispatcher, routing by frame type
// (spec.md §6 "Client → server `type` values").
func (d *Dispatcher) Dispatch(conn *transport.Connection, msg *model.Message) {
	switch msg.Type {
	case model.TypeComponentMount:
		d.handleMount(conn, msg)
	case model.TypeComponentUnmount:
		d.handleUnmount(conn, msg)
	case model.TypeCallAction:
		d.handleCallAction(conn, msg)
	case model.TypePropertyUpdate:
		d.handlePropertyUpdate(conn, msg)
	case model.TypeStateUpdate:
		d.handleStateUpdate(conn, msg)
	case model.TypeEventEmit:
		d.handleEventEmit(conn, msg)
	case model.TypeSyncRequest:
		d.handleSyncRequest(conn, msg)
	case model.TypeHeartbeatResponse:
		// readPump already refreshed the idle deadline; nothing else to do.
	default:
		conn.SendError(msg.ComponentID, model.ErrBadFrame, fmt.Sprintf("unknown frame type %q", msg.Type), msg.RequestID)
	}
}

func (d *Dispatcher) handleMount(conn *transport.Connection, msg *model.Message) {
	typeName, _ := msg.Payload["component"].(string)
	props, _ := msg.Payload["props"].(map[string]any)
	parentID, _ := msg.Payload["parent_id"].(string)

	inst, version, _, err := d.reg.Mount(conn.ClientID, typeName, props, parentID)
	if err != nil {
		conn.SendError(msg.ComponentID, string(kindOf(err)), err.Error(), msg.RequestID)
		return
	}

	conn.MarkMounted(inst.ComponentID)
	state, _ := inst.Snapshot()
	v := version
	conn.Send(model.Message{
		Type:        model.TypeComponentMounted,
		ComponentID: inst.ComponentID,
		Timestamp:   nowMillis(),
		ReplyTo:     msg.ID,
		Version:     &v,
		Payload:     map[string]any{"component_id": inst.ComponentID, "state": state, "version": version},
	}, true)
}

func (d *Dispatcher) handleUnmount(conn *transport.Connection, msg *model.Message) {
	reason, _ := msg.Payload["reason"].(string)
	if reason == "" {
		reason = "client_requested"
	}
	if err := d.cleanup.ComponentUnmountRequested(msg.ComponentID, reason); err != nil {
		conn.SendError(msg.ComponentID, string(kindOf(err)), err.Error(), msg.RequestID)
		return
	}
	conn.MarkUnmounted(msg.ComponentID)
	conn.Send(model.Message{
		Type:        model.TypeComponentUnmounted,
		ComponentID: msg.ComponentID,
		Timestamp:   nowMillis(),
		ReplyTo:     msg.ID,
	}, true)
}

func (d *Dispatcher) handleCallAction(conn *transport.Connection, msg *model.Message) {
	action := msg.Action
	if action == "" {
		action, _ = msg.Payload["method"].(string)
	}
	args, ok := msg.Payload["args"].(map[string]any)
	if !ok {
		args = msg.Payload
	}
	if err := d.reg.CallAction(conn.ClientID, msg.ComponentID, action, args, msg.RequestID); err != nil {
		conn.SendError(msg.ComponentID, string(kindOf(err)), err.Error(), msg.RequestID)
	}
	// A successful call_action that produces a result already sent its
	// own method_result from within CallAction (it needs the handler's
	// return value, which this layer never sees).
}

func (d *Dispatcher) handlePropertyUpdate(conn *transport.Connection, msg *model.Message) {
	value := msg.Payload["value"]
	if err := d.reg.SetProperty(conn.ClientID, msg.ComponentID, msg.Property, value); err != nil {
		conn.SendError(msg.ComponentID, string(kindOf(err)), err.Error(), msg.RequestID)
	}
}

func (d *Dispatcher) handleStateUpdate(conn *transport.Connection, msg *model.Message) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		conn.SendError(msg.ComponentID, model.ErrBadFrame, "malformed state_update payload", msg.RequestID)
		return
	}
	var op model.StateOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		conn.SendError(msg.ComponentID, model.ErrBadFrame, "malformed state_update payload", msg.RequestID)
		return
	}
	op.ComponentID = msg.ComponentID
	op.OriginClientID = conn.ClientID
	op.Optimistic = true
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}

	committed, conflict, err := d.reg.ApplyRemoteOp(msg.ComponentID, op)
	if err != nil {
		conn.SendError(msg.ComponentID, string(kindOf(err)), err.Error(), msg.RequestID)
		return
	}
	if conflict != nil && conflict.Status == model.ConflictPending {
		// Parked for manual resolution or auto-resolve timer; no reply
		// yet (spec.md §4.4).
		return
	}

	v := committed.Version
	conn.Send(model.Message{
		Type:        model.TypeStateUpdateConfirmed,
		ComponentID: msg.ComponentID,
		Timestamp:   nowMillis(),
		Version:     &v,
		Payload:     map[string]any{"op_id": committed.OpID, "version": committed.Version},
	}, true)
}

func (d *Dispatcher) handleEventEmit(conn *transport.Connection, msg *model.Message) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		conn.SendError(msg.ComponentID, model.ErrBadFrame, "malformed event_emit payload", msg.RequestID)
		return
	}
	var evt model.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		conn.SendError(msg.ComponentID, model.ErrBadFrame, "malformed event_emit payload", msg.RequestID)
		return
	}
	evt.SourceComponentID = msg.ComponentID
	evt.EnqueuedAt = time.Now()

	if err := d.events.Emit(&evt); err != nil {
		conn.SendError(msg.ComponentID, model.ErrQueueOverflow, err.Error(), msg.RequestID)
	}
}

func (d *Dispatcher) handleSyncRequest(conn *transport.Connection, msg *model.Message) {
	engine, ok := d.reg.Engine(msg.ComponentID)
	if !ok {
		conn.SendError(msg.ComponentID, model.ErrComponentNotFound,
			fmt.Sprintf("component %q is not mounted", msg.ComponentID), msg.RequestID)
		return
	}
	state, version := engine.Snapshot()
	v := version
	conn.Send(model.Message{
		Type:        model.TypeSyncResponse,
		ComponentID: msg.ComponentID,
		Timestamp:   nowMillis(),
		ReplyTo:     msg.ID,
		Version:     &v,
		Payload:     map[string]any{"state": state, "version": version},
	}, true)
}

func kindOf(err error) apierrors.ErrorType {
	if apiErr, ok := err.(*apierrors.APIError); ok {
		return apiErr.Type
	}
	return apierrors.ErrorTypeInternal
}

func nowMillis() int64 { return time.Now().UnixMilli() }
