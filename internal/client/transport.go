package client

import "context"

// Conn is a single established transport connection.
type Conn interface {
	// Send transmits one message to the peer.
	Send(payload []byte) error
	// Ping emits a lightweight liveness frame.
	Ping() error
	// Close tears the connection down.
	Close() error
	// Messages yields inbound messages. The channel is closed when the
	// connection ends.
	Messages() <-chan []byte
	// Done receives the terminal error (or nil on clean close) when the
	// peer closes the connection.
	Done() <-chan error
}

// Transport establishes connections to the gateway.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}
