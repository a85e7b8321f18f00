package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsInboundBuffer = 64
)

// WebSocketTransport dials a gateway endpoint over websocket.
type WebSocketTransport struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string
	// Header carries extra handshake headers, typically Authorization.
	Header http.Header
}

// Dial opens a websocket connection to the configured endpoint.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", t.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}
	return newWSConn(conn), nil
}

type wsConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	messages chan []byte
	done     chan error
	once     sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn:     conn,
		messages: make(chan []byte, wsInboundBuffer),
		done:     make(chan error, 1),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	defer close(c.messages)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		c.messages <- payload
	}
}

func (c *wsConn) finish(err error) {
	c.once.Do(func() {
		c.done <- err
	})
}

func (c *wsConn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck // deadline errors surface on write
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *wsConn) Ping() error {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl( //nolint:errcheck // best-effort close handshake
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) Messages() <-chan []byte {
	return c.messages
}

func (c *wsConn) Done() <-chan error {
	return c.done
}
