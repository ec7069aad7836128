package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const maxMessageSize = 512 * 1024 // spec.md §4.2 frame size is otherwise unbounded; this guards the reader.

var gorillaUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS is assumed handled upstream, spec.md §1
}

// GorillaConn adapts a gorilla/websocket connection to WireConn.
type GorillaConn struct {
	conn *websocket.Conn
}

// UpgradeGorilla upgrades an HTTP request to a websocket connection
// using gorilla/websocket, the teacher's primary transport.
func UpgradeGorilla(w http.ResponseWriter, r *http.Request) (*GorillaConn, error) {
	conn, err := gorillaUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	gc := &GorillaConn{conn: conn}
	conn.SetPongHandler(func(string) error {
		return nil
	})
	return gc, nil
}

func (g *GorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.conn.ReadMessage()
	return data, err
}

func (g *GorillaConn) WriteMessage(data []byte) error {
	g.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return g.conn.WriteMessage(websocket.TextMessage, data)
}

func (g *GorillaConn) WritePing() error {
	g.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return g.conn.WriteMessage(websocket.PingMessage, nil)
}

func (g *GorillaConn) SetReadDeadline(t time.Time) error {
	return g.conn.SetReadDeadline(t)
}

func (g *GorillaConn) Close() error {
	return g.conn.Close()
}
