package transport

import (
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
)

var fasthttpUpgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	CheckOrigin:       func(ctx *fasthttp.RequestCtx) bool { return true },
	EnableCompression: true,
}

// FastHTTPConn adapts a fasthttp/websocket connection to WireConn; the
// teacher offers this as its low-allocation alternative transport.
// cmd/main.go serves only the gorilla adapter; Server.TransportKind is
// logged at startup but does not select this one.
type FastHTTPConn struct {
	conn *websocket.Conn
}

// UpgradeFastHTTP upgrades a fasthttp request to a websocket
// connection, invoking onUpgrade with the resulting FastHTTPConn once
// established (the fasthttp upgrader is callback-based).
func UpgradeFastHTTP(ctx *fasthttp.RequestCtx, onUpgrade func(*FastHTTPConn)) error {
	return fasthttpUpgrader.Upgrade(ctx, func(c *websocket.Conn) {
		c.SetReadLimit(maxMessageSize)
		onUpgrade(&FastHTTPConn{conn: c})
	})
}

func (f *FastHTTPConn) ReadMessage() ([]byte, error) {
	_, data, err := f.conn.ReadMessage()
	return data, err
}

func (f *FastHTTPConn) WriteMessage(data []byte) error {
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

func (f *FastHTTPConn) WritePing() error {
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return f.conn.WriteMessage(websocket.PingMessage, nil)
}

func (f *FastHTTPConn) SetReadDeadline(t time.Time) error {
	return f.conn.SetReadDeadline(t)
}

func (f *FastHTTPConn) Close() error {
	return f.conn.Close()
}
