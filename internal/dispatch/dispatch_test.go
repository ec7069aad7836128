package dispatch

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/model"
	"github.com/systemsim/live-components/internal/syncengine"
	"github.com/systemsim/live-components/internal/transport"
)

// fakeWireConn never produces inbound data (ReadMessage blocks until
// closed) and records every outbound frame written by the
// multiplexer's write pump, so tests can exercise Dispatch directly
// without a real socket.
type fakeWireConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  chan struct{}
}

func newFakeWireConn() *fakeWireConn {
	return &fakeWireConn{closed: make(chan struct{})}
}

func (f *fakeWireConn) ReadMessage() ([]byte, error) {
	<-f.closed
	return nil, io.EOF
}

func (f *fakeWireConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeWireConn) WritePing() error                        { return nil }
func (f *fakeWireConn) SetReadDeadline(t time.Time) error        { return nil }
func (f *fakeWireConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

// frames waits for a frame beyond the welcome that Accept always queues
// first, then returns every written frame except that welcome.
func (f *fakeWireConn) frames(t *testing.T) []model.Message {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.written)
		f.mu.Unlock()
		if n > 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Message, 0, len(f.written))
	for _, raw := range f.written {
		var msg model.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("invalid frame json: %v", err)
		}
		if msg.Type == model.TypeWelcome {
			continue
		}
		out = append(out, msg)
	}
	return out
}

type fakeRegistry struct {
	mountErr error
}

func (f *fakeRegistry) Mount(clientID, typeName string, props map[string]any, parentID string) (*model.ComponentInstance, uint64, bool, error) {
	if f.mountErr != nil {
		return nil, 0, false, f.mountErr
	}
	inst := model.NewComponentInstance("counter-1", "counter-1", typeName, clientID, parentID, 0, "counter", props, "fp", time.Now())
	return inst, 1, true, nil
}

func (f *fakeRegistry) CallAction(clientID, componentID, actionName string, payload map[string]any, requestID string) error {
	return nil
}

func (f *fakeRegistry) SetProperty(clientID, componentID, path string, value any) error {
	return nil
}

func (f *fakeRegistry) ApplyRemoteOp(componentID string, op model.StateOperation) (model.StateOperation, *model.Conflict, error) {
	op.Version = 2
	return op, nil, nil
}

func (f *fakeRegistry) Instance(componentID string) (*model.ComponentInstance, bool) { return nil, false }

func (f *fakeRegistry) Engine(componentID string) (*syncengine.Engine, bool) { return nil, false }

type fakeEvents struct {
	emitted []*model.Event
}

func (f *fakeEvents) Emit(evt *model.Event) error {
	f.emitted = append(f.emitted, evt)
	return nil
}

type fakeCleanup struct {
	unmountReason string
	closedClient  string
}

func (f *fakeCleanup) ComponentUnmountRequested(componentID, reason string) error {
	f.unmountReason = reason
	return nil
}

func (f *fakeCleanup) ConnectionClosed(clientID string, mountedComponents []string, abnormal bool) {
	f.closedClient = clientID
}

func newTestConnection(t *testing.T, d *Dispatcher) (*transport.Multiplexer, *transport.Connection, *fakeWireConn) {
	t.Helper()
	mux := transport.New(transport.Config{
		HeartbeatInterval: time.Hour,
		IdleTimeout:       time.Hour,
		SendQueueSize:     16,
		MaxConnections:    10,
	}, d, zerolog.Nop())
	go mux.Run()

	raw := newFakeWireConn()
	conn := mux.Accept(raw)
	if conn == nil {
		t.Fatal("expected a connection")
	}
	return mux, conn, raw
}

func TestHandleMountSendsComponentMounted(t *testing.T) {
	reg := &fakeRegistry{}
	d := New(zerolog.Nop(), reg, &fakeEvents{}, &fakeCleanup{}, nil)
	_, conn, raw := newTestConnection(t, d)

	d.Dispatch(conn, &model.Message{
		Type: model.TypeComponentMount,
		ID:   "req-1",
		Payload: map[string]any{
			"component": "Counter",
		},
	})

	frames := raw.frames(t)
	var found bool
	for _, f := range frames {
		if f.Type == model.TypeComponentMounted {
			found = true
			if f.ComponentID != "counter-1" {
				t.Fatalf("expected component_id counter-1, got %q", f.ComponentID)
			}
		}
	}
	if !found {
		t.Fatalf("expected a component_mounted frame, got %+v", frames)
	}
}

func TestHandleMountErrorSendsErrorFrame(t *testing.T) {
	d := New(zerolog.Nop(), &fakeRegistry{mountErr: errUnknownType{}}, &fakeEvents{}, &fakeCleanup{}, nil)
	_, conn, raw := newTestConnection(t, d)

	d.Dispatch(conn, &model.Message{Type: model.TypeComponentMount, Payload: map[string]any{"component": "Missing"}})

	frames := raw.frames(t)
	if len(frames) == 0 || frames[0].Type != model.TypeError {
		t.Fatalf("expected an error frame, got %+v", frames)
	}
}

type errUnknownType struct{}

func (errUnknownType) Error() string { return "unknown component type" }

func TestHandleUnmountRequestsCleanup(t *testing.T) {
	cleanupMgr := &fakeCleanup{}
	d := New(zerolog.Nop(), &fakeRegistry{}, &fakeEvents{}, cleanupMgr, nil)
	_, conn, raw := newTestConnection(t, d)

	d.Dispatch(conn, &model.Message{Type: model.TypeComponentUnmount, ComponentID: "counter-1"})

	if cleanupMgr.unmountReason != "client_requested" {
		t.Fatalf("expected default unmount reason, got %q", cleanupMgr.unmountReason)
	}
	frames := raw.frames(t)
	if len(frames) == 0 || frames[0].Type != model.TypeComponentUnmounted {
		t.Fatalf("expected component_unmounted frame, got %+v", frames)
	}
}

func TestHandleEventEmitForwardsToEventEngine(t *testing.T) {
	events := &fakeEvents{}
	d := New(zerolog.Nop(), &fakeRegistry{}, events, &fakeCleanup{}, nil)
	_, conn, _ := newTestConnection(t, d)

	d.Dispatch(conn, &model.Message{
		Type:        model.TypeEventEmit,
		ComponentID: "counter-1",
		Payload:     map[string]any{"name": "clicked", "scope": "local"},
	})

	if len(events.emitted) != 1 {
		t.Fatalf("expected 1 emitted event, got %d", len(events.emitted))
	}
}

func TestHandleStateUpdateConfirmsCommit(t *testing.T) {
	d := New(zerolog.Nop(), &fakeRegistry{}, &fakeEvents{}, &fakeCleanup{}, nil)
	_, conn, raw := newTestConnection(t, d)

	d.Dispatch(conn, &model.Message{
		Type:        model.TypeStateUpdate,
		ComponentID: "counter-1",
		Payload:     map[string]any{"op": "set", "path": "count", "value": float64(1)},
	})

	frames := raw.frames(t)
	if len(frames) == 0 || frames[0].Type != model.TypeStateUpdateConfirmed {
		t.Fatalf("expected state_update_confirmed frame, got %+v", frames)
	}
}

func TestOnDisconnectNotifiesCleanup(t *testing.T) {
	cleanupMgr := &fakeCleanup{}
	d := New(zerolog.Nop(), &fakeRegistry{}, &fakeEvents{}, cleanupMgr, nil)
	_, conn, _ := newTestConnection(t, d)

	d.OnDisconnect(conn, true)

	if cleanupMgr.closedClient != conn.ClientID {
		t.Fatalf("expected cleanup notified for %q, got %q", conn.ClientID, cleanupMgr.closedClient)
	}
}
