// Package transport implements the Connection Multiplexer (spec.md
// §4.2): one duplex connection carries N mounted components, frames are
// demultiplexed by component_id, and a bounded send queue with oldest-
// drop backpressure protects the process from a slow client.
//
// Adapted from the teacher's internal/websocket Hub/Connection: the
// register/unregister/broadcast channel loop and the read/write pump
// goroutines are the same shape, generalized from chat-style broadcast
// messages to the Message frame envelope of spec.md §6.
package transport

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/model"
)

// Dispatcher is implemented by the registry/sync/event layer: the
// multiplexer demultiplexes frames by component_id and hands each one
// off, never interpreting payloads itself.
type Dispatcher interface {
	Dispatch(conn *Connection, msg *model.Message)
	OnConnect(conn *Connection)
	OnDisconnect(conn *Connection, abnormal bool)
}

// Multiplexer owns every live Connection and fans frames out to a
// Dispatcher. It is an explicit runtime handle, not a singleton: tests
// construct independent Multiplexers with no hidden global state.
type Multiplexer struct {
	cfg        Config
	dispatcher Dispatcher
	log        zerolog.Logger

	mu          sync.RWMutex
	connections map[string]*Connection

	register   chan *Connection
	unregister chan *unregisterReq

	parseErrorWindow time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	totalConnections  int64
	activeConnections int64
}

// Config governs heartbeat/idle/backpressure behavior, sourced from
// spec.md §6 `connection: {...}`.
type Config struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	SendQueueSize     int
	MaxConnections    int
}

type unregisterReq struct {
	conn     *Connection
	abnormal bool
}

// New creates a Multiplexer bound to dispatcher. Call Run in its own
// goroutine to start the accept/broadcast loop.
func New(cfg Config, dispatcher Dispatcher, log zerolog.Logger) *Multiplexer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		cfg:         cfg,
		dispatcher:  dispatcher,
		log:         log,
		connections: make(map[string]*Connection),
		register:    make(chan *Connection, 256),
		unregister:  make(chan *unregisterReq, 256),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetDispatcher binds the Dispatcher after construction, for callers
// whose Dispatcher itself depends on the Multiplexer as a Transport
// (the registry and event engine both send frames through it). Must be
// called before Run or Accept.
func (m *Multiplexer) SetDispatcher(dispatcher Dispatcher) {
	m.dispatcher = dispatcher
}

// Run is the main multiplexer loop; it owns the connections map so all
// register/unregister mutations are single-threaded here.
func (m *Multiplexer) Run() {
	for {
		select {
		case conn := <-m.register:
			m.handleRegister(conn)
		case req := <-m.unregister:
			m.handleUnregister(req.conn, req.abnormal)
		case <-m.ctx.Done():
			return
		}
	}
}

// Shutdown stops the multiplexer loop and closes every connection.
func (m *Multiplexer) Shutdown() {
	m.cancel()
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		c.Close("shutdown")
	}
}

func (m *Multiplexer) handleRegister(conn *Connection) {
	m.mu.Lock()
	m.connections[conn.ClientID] = conn
	m.mu.Unlock()

	atomic.AddInt64(&m.totalConnections, 1)
	atomic.AddInt64(&m.activeConnections, 1)
	m.log.Info().Str("client_id", conn.ClientID).Int64("active", atomic.LoadInt64(&m.activeConnections)).Msg("connection registered")

	m.dispatcher.OnConnect(conn)
}

func (m *Multiplexer) handleUnregister(conn *Connection, abnormal bool) {
	m.mu.Lock()
	_, exists := m.connections[conn.ClientID]
	if exists {
		delete(m.connections, conn.ClientID)
	}
	m.mu.Unlock()

	if !exists {
		return
	}
	atomic.AddInt64(&m.activeConnections, -1)
	m.log.Info().Str("client_id", conn.ClientID).Bool("abnormal", abnormal).Msg("connection unregistered")
	m.dispatcher.OnDisconnect(conn, abnormal)
}

// Accept wraps a freshly upgraded WireConn into a tracked
// Connection and starts its pumps, spec.md §4.2 `accept`.
func (m *Multiplexer) Accept(raw WireConn) *Connection {
	clientID := newClientID()
	conn := newConnection(clientID, raw, m, m.cfg.SendQueueSize, m.log)
	select {
	case m.register <- conn:
	default:
		m.log.Warn().Str("client_id", clientID).Msg("register channel full, rejecting connection")
		raw.Close()
		return nil
	}
	conn.sendSystem(model.Message{
		Type:        model.TypeWelcome,
		ComponentID: model.SystemComponentID,
		Timestamp:   time.Now().UnixMilli(),
		Payload:     map[string]any{"client_id": clientID, "server_time": time.Now().UnixMilli()},
	})
	go conn.writePump(m.cfg.HeartbeatInterval)
	go conn.readPump(m.cfg.IdleTimeout)
	return conn
}

// requestUnregister is called by a Connection's pumps once the
// underlying transport has closed.
func (m *Multiplexer) requestUnregister(conn *Connection, abnormal bool) {
	select {
	case m.unregister <- &unregisterReq{conn: conn, abnormal: abnormal}:
	default:
		m.log.Warn().Str("client_id", conn.ClientID).Msg("unregister channel full")
	}
}

// Get looks up a live connection by client id.
func (m *Multiplexer) Get(clientID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[clientID]
	return c, ok
}

// ActiveConnections returns the current connection count.
func (m *Multiplexer) ActiveConnections() int64 {
	return atomic.LoadInt64(&m.activeConnections)
}

// Send implements registry.Transport and eventengine.Transport: it
// delivers a frame to a specific client's send queue, or drops it
// silently if that client is no longer connected (the component it
// addressed has already gone through OnDisconnect's cleanup path).
func (m *Multiplexer) Send(clientID string, msg model.Message) {
	conn, ok := m.Get(clientID)
	if !ok {
		return
	}
	conn.Send(msg, false)
}

var clientSeq int64

func newClientID() string {
	n := atomic.AddInt64(&clientSeq, 1)
	return "conn-" + time.Now().Format("20060102T150405.000000000") + "-" + strconv.FormatInt(n, 10)
}
