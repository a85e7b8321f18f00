package models

import "time"

// ConnectionStatus represents the lifecycle status of a transport attachment.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// Connection tracks one live transport attachment for a user.
//
// A record is created on a successful handshake and is never reused: a
// reconnecting client produces a fresh record with a new identifier. The
// status transition connected -> disconnected is terminal for a record.
type Connection struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	SessionID      string           `json:"session_id,omitempty"`
	Status         ConnectionStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	LastActivity   time.Time        `json:"last_activity"`
	DisconnectedAt *time.Time       `json:"disconnected_at,omitempty"`
}

// IsActive reports whether the connection is still attached.
func (c *Connection) IsActive() bool {
	return c.Status == ConnectionConnected
}
