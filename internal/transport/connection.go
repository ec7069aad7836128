package transport

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/model"
)

// WireConn abstracts the duplex byte-stream transport so the
// multiplexer can drive either a gorilla/websocket connection or a
// fasthttp/websocket connection identically (spec.md §4.2 "accepts a
// duplex byte stream carrying length-delimited JSON frames").
type WireConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	WritePing() error
	SetReadDeadline(t time.Time) error
	Close() error
}

const (
	writeWait           = 10 * time.Second
	maxParseErrors       = 10
	parseErrorWindow     = 10 * time.Second
)

// Connection is one duplex session (spec.md §3 Connection).
type Connection struct {
	ClientID string
	raw      WireConn
	mux      *Multiplexer
	log      zerolog.Logger

	send chan frameOrRaw

	mu               sync.RWMutex
	transportState   string
	lastHeartbeat    time.Time
	mountedComponents map[string]struct{}
	inboundSeq       uint64
	outboundSeq      uint64
	closed           bool

	parseErrTimes []time.Time

	messagesSent     int64
	messagesReceived int64
}

type frameOrRaw struct {
	msg      *model.Message
	critical bool
}

func newConnection(clientID string, raw WireConn, mux *Multiplexer, queueSize int, log zerolog.Logger) *Connection {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Connection{
		ClientID:          clientID,
		raw:               raw,
		mux:               mux,
		log:               log.With().Str("client_id", clientID).Logger(),
		send:              make(chan frameOrRaw, queueSize),
		transportState:    "connecting",
		lastHeartbeat:     time.Now(),
		mountedComponents: make(map[string]struct{}),
	}
}

// Send enqueues a message for delivery, spec.md §4.2 `send`. Non-critical
// frames are dropped from the head of the queue when it is full;
// critical frames (errors, mount responses) always enqueue by making
// room first.
func (c *Connection) Send(msg model.Message, critical bool) {
	item := frameOrRaw{msg: &msg, critical: critical}
	select {
	case c.send <- item:
		return
	default:
	}
	if !critical {
		c.log.Warn().Str("type", msg.Type).Msg("send queue full, dropping oldest non-critical frame")
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- item:
		default:
		}
		return
	}
	// Critical: force room by dropping the oldest queued frame.
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- item:
	default:
		c.log.Error().Str("type", msg.Type).Msg("send queue full even after eviction, dropping critical frame")
	}
}

func (c *Connection) sendSystem(msg model.Message) {
	c.Send(msg, true)
}

// SendError is a convenience for emitting an `error` frame, never
// dropped from the queue.
func (c *Connection) SendError(componentID, kind, message, requestID string) {
	c.Send(model.Message{
		Type:        model.TypeError,
		ComponentID: componentID,
		Timestamp:   time.Now().UnixMilli(),
		RequestID:   requestID,
		Payload:     map[string]any{"kind": kind, "message": message},
	}, true)
}

// MarkMounted/MarkUnmounted track which components this connection
// mounted, so Close() can hand the full set to the Cleanup subsystem.
func (c *Connection) MarkMounted(componentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mountedComponents[componentID] = struct{}{}
}

func (c *Connection) MarkUnmounted(componentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mountedComponents, componentID)
}

// MountedComponents returns a snapshot of components mounted through
// this connection.
func (c *Connection) MountedComponents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.mountedComponents))
	for id := range c.mountedComponents {
		ids = append(ids, id)
	}
	return ids
}

// Close transitions the connection to closing/closed and asks the
// multiplexer to run cleanup, spec.md §4.2 `close`.
func (c *Connection) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.transportState = "closing"
	c.mu.Unlock()

	c.raw.Close()
}

func (c *Connection) readPump(idleTimeout time.Duration) {
	defer func() {
		c.mu.Lock()
		abnormal := c.transportState != "closing"
		c.transportState = "closed"
		c.mu.Unlock()
		c.mux.requestUnregister(c, abnormal)
	}()

	c.raw.SetReadDeadline(time.Now().Add(idleTimeout))

	for {
		data, err := c.raw.ReadMessage()
		if err != nil {
			return
		}
		c.raw.SetReadDeadline(time.Now().Add(idleTimeout))
		c.touchHeartbeat()
		atomic.AddInt64(&c.messagesReceived, 1)

		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			if c.recordParseError() {
				c.log.Warn().Msg("too many parse errors, closing connection")
				return
			}
			c.SendError(model.SystemComponentID, model.ErrBadFrame, "malformed frame", "")
			continue
		}

		c.mu.Lock()
		c.inboundSeq++
		c.mu.Unlock()

		c.mux.dispatcher.Dispatch(c, &msg)
	}
}

func (c *Connection) writePump(heartbeatInterval time.Duration) {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.raw.Close()
	}()

	for {
		select {
		case item, ok := <-c.send:
			if !ok {
				return
			}
			data, err := json.Marshal(item.msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to marshal outbound frame")
				continue
			}
			if err := c.raw.WriteMessage(data); err != nil {
				return
			}
			atomic.AddInt64(&c.messagesSent, 1)
			c.mu.Lock()
			c.outboundSeq++
			c.mu.Unlock()

		case <-ticker.C:
			c.sendSystem(model.Message{
				Type:        model.TypeHeartbeat,
				ComponentID: model.SystemComponentID,
				Timestamp:   time.Now().UnixMilli(),
			})
			if err := c.raw.WritePing(); err != nil {
				return
			}
		}
	}
}

func (c *Connection) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.transportState = "open"
	c.mu.Unlock()
}

// recordParseError records a bad_frame occurrence and reports whether
// the 10-in-10s abuse threshold has been crossed (spec.md §4.2).
func (c *Connection) recordParseError() bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-parseErrorWindow)
	kept := c.parseErrTimes[:0]
	for _, t := range c.parseErrTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.parseErrTimes = kept
	return len(c.parseErrTimes) > maxParseErrors
}

// State returns the current transport state.
func (c *Connection) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transportState
}
