// Package storage defines the persistence interfaces for connection,
// voice-session, and note records, with in-memory and Postgres
// implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tetherhq/tether/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when creating a record whose id is taken.
var ErrAlreadyExists = errors.New("already exists")

// ConnectionStore persists connection records. Implementations must express
// updates as atomic conditional writes: concurrent handlers may race a
// Touch against a MarkDisconnected on the same record, and a disconnected
// record must never be resurrected.
type ConnectionStore interface {
	Create(ctx context.Context, conn *models.Connection) error
	Get(ctx context.Context, id string) (*models.Connection, error)
	// ListActive returns all connected records for a user.
	ListActive(ctx context.Context, userID string) ([]*models.Connection, error)
	// LatestBySession returns the most recently created connection
	// carrying the client session id, excluding the given connection.
	// Returns ErrNotFound when no other connection claimed the session.
	LatestBySession(ctx context.Context, sessionID, excludeID string) (*models.Connection, error)
	// Touch refreshes last-activity. It is a no-op on a disconnected
	// record and returns ErrNotFound for an absent one.
	Touch(ctx context.Context, id string, at time.Time) error
	// MarkDisconnected transitions a connected record to disconnected.
	// Already-disconnected records are left untouched.
	MarkDisconnected(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	// DeleteDisconnectedBefore removes disconnected records whose
	// disconnect time is older than the cutoff. Returns the number
	// removed.
	DeleteDisconnectedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// VoiceSessionStore persists voice-session records.
type VoiceSessionStore interface {
	Create(ctx context.Context, session *models.VoiceSession) error
	Get(ctx context.Context, id string) (*models.VoiceSession, error)
	// ApplyPatch applies only the provided fields and refreshes the
	// updated timestamp. Status changes are applied only while the
	// session is still active; sessions never leave a terminal status.
	ApplyPatch(ctx context.Context, id string, patch models.VoiceSessionPatch, at time.Time) (*models.VoiceSession, error)
	// Finish transitions an active session to the given terminal status
	// with the final duration. Finishing an already-terminal session is a
	// no-op returning the stored record unchanged.
	Finish(ctx context.Context, id string, status models.VoiceSessionStatus, duration float64, at time.Time) (*models.VoiceSession, error)
	// List returns a user's sessions, most recent first.
	List(ctx context.Context, userID string, limit int) ([]*models.VoiceSession, error)
	// ListActiveByConnection returns active sessions owned by a
	// connection.
	ListActiveByConnection(ctx context.Context, connectionID string) ([]*models.VoiceSession, error)
	// ReassignConnection moves every active session owned by one
	// connection to another, refreshing the updated timestamp. Returns
	// the number moved.
	ReassignConnection(ctx context.Context, oldConnectionID, newConnectionID string, at time.Time) (int, error)
}

// NoteStore persists notes produced by event routing.
type NoteStore interface {
	Create(ctx context.Context, note *models.Note) error
	Get(ctx context.Context, id string) (*models.Note, error)
	Update(ctx context.Context, note *models.Note) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, userID string, limit int) ([]*models.Note, error)
}

// Stores bundles every store behind one handle.
type Stores struct {
	Connections   ConnectionStore
	VoiceSessions VoiceSessionStore
	Notes         NoteStore

	closer func() error
}

// Close releases the underlying backend, if any.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
