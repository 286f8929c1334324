package eventchannel

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// readDeadline is how long the websocket may stay silent before the
// connection counts as lost; the server pings every 30s.
const readDeadline = 60 * time.Second

// wsConn is the primary transport: a gorilla websocket connection.
type wsConn struct {
	conn *websocket.Conn
}

// Close closes the underlying connection, unblocking the read loop.
func (w *wsConn) Close() {
	_ = w.conn.Close()
}

// dialWebSocket establishes the websocket transport within the timeout. The
// endpoint URL is given with an http(s) scheme and rewritten to ws(s).
func dialWebSocket(rawURL string, timeout time.Duration) (*wsConn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

// readWebSocket reads frames until the connection fails or is torn down.
func (c *Channel) readWebSocket(g uint64, w *wsConn) {
	w.conn.SetReadLimit(64 * 1024)
	_ = w.conn.SetReadDeadline(time.Now().Add(readDeadline))
	w.conn.SetPingHandler(func(appData string) error {
		_ = w.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return w.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			c.transportFailed(g, err)
			return
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(readDeadline))
		c.handleFrame(g, data)
	}
}
