// Package registry is the server-side directory of live connections per
// user, with point lookup, per-user enumeration, and best-effort fan-out.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/scheduler"
	"github.com/tetherhq/tether/internal/storage"
	"github.com/tetherhq/tether/pkg/models"
)

// ErrRecipientGone is the distinguishable "peer gone" failure a Sender
// reports when a connection is no longer reachable.
var ErrRecipientGone = errors.New("recipient gone")

// Sender delivers an opaque payload to a named connection.
type Sender interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
}

// Config configures a Registry.
type Config struct {
	Store  storage.ConnectionStore
	Sender Sender
	Clock  scheduler.Clock
}

// Registry tracks connection records and routes payloads to them.
type Registry struct {
	store  storage.ConnectionStore
	sender Sender
	clock  scheduler.Clock
	logger *slog.Logger
}

// New creates a Registry.
func New(config Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = scheduler.NewRealClock()
	}
	return &Registry{
		store:  config.Store,
		sender: config.Sender,
		clock:  config.Clock,
		logger: logger.With("component", "registry"),
	}
}

// Register records a new connected connection for a user.
func (r *Registry) Register(ctx context.Context, userID, sessionID string) (*models.Connection, error) {
	now := r.clock.Now()
	conn := &models.Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		SessionID:    sessionID,
		Status:       models.ConnectionConnected,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := r.store.Create(ctx, conn); err != nil {
		return nil, fmt.Errorf("register connection: %w", err)
	}
	r.logger.Info("connection registered", "connection_id", conn.ID, "user_id", userID)
	return conn, nil
}

// Get returns one connection record.
func (r *Registry) Get(ctx context.Context, connectionID string) (*models.Connection, error) {
	return r.store.Get(ctx, connectionID)
}

// ListActive returns all connected records for a user.
func (r *Registry) ListActive(ctx context.Context, userID string) ([]*models.Connection, error) {
	return r.store.ListActive(ctx, userID)
}

// PreviousForSession returns the most recent other connection that
// claimed the client session id, for reattach handling on reconnect.
func (r *Registry) PreviousForSession(ctx context.Context, sessionID, excludeConnectionID string) (*models.Connection, error) {
	return r.store.LatestBySession(ctx, sessionID, excludeConnectionID)
}

// Touch refreshes a connection's last-activity timestamp.
func (r *Registry) Touch(ctx context.Context, connectionID string) error {
	return r.store.Touch(ctx, connectionID, r.clock.Now())
}

// MarkDisconnected transitions a connection to disconnected.
func (r *Registry) MarkDisconnected(ctx context.Context, connectionID string) error {
	return r.store.MarkDisconnected(ctx, connectionID, r.clock.Now())
}

// Remove deletes a connection record.
func (r *Registry) Remove(ctx context.Context, connectionID string) error {
	return r.store.Delete(ctx, connectionID)
}

// Send delivers a payload to exactly one connection. On a "recipient gone"
// failure the stale record is removed synchronously before the error is
// re-raised to the caller.
func (r *Registry) Send(ctx context.Context, connectionID string, payload []byte) error {
	err := r.sender.Send(ctx, connectionID, payload)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRecipientGone) {
		if delErr := r.store.Delete(ctx, connectionID); delErr != nil && !errors.Is(delErr, storage.ErrNotFound) {
			r.logger.Warn("failed to prune stale connection",
				"connection_id", connectionID,
				"error", delErr,
			)
		} else {
			r.logger.Info("pruned stale connection", "connection_id", connectionID)
		}
	}
	return fmt.Errorf("send to %s: %w", connectionID, err)
}

// Broadcast fans a payload out to every active connection for a user
// concurrently. Partial failures are logged and swallowed; a user with zero
// connections is not an error.
func (r *Registry) Broadcast(ctx context.Context, userID string, payload []byte) error {
	conns, err := r.store.ListActive(ctx, userID)
	if err != nil {
		return fmt.Errorf("broadcast to %s: %w", userID, err)
	}
	if len(conns) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(connectionID string) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("broadcast send panic",
						"connection_id", connectionID,
						"panic", rec,
					)
				}
			}()
			if err := r.Send(ctx, connectionID, payload); err != nil {
				r.logger.Warn("broadcast send failed",
					"connection_id", connectionID,
					"user_id", userID,
					"error", err,
				)
			}
		}(conn.ID)
	}
	wg.Wait()
	return nil
}

// BroadcastMany fans a payload out to every listed user concurrently.
func (r *Registry) BroadcastMany(ctx context.Context, userIDs []string, payload []byte) error {
	var wg sync.WaitGroup
	for _, userID := range userIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Broadcast(ctx, id, payload); err != nil {
				r.logger.Warn("broadcast failed", "user_id", id, "error", err)
			}
		}(userID)
	}
	wg.Wait()
	return nil
}

// Cleanup removes disconnected records older than the threshold. Safe to
// run concurrently with normal traffic.
func (r *Registry) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := r.clock.Now().Add(-olderThan)
	removed, err := r.store.DeleteDisconnectedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup connections: %w", err)
	}
	if removed > 0 {
		r.logger.Info("cleaned up stale connections", "removed", removed)
	}
	return removed, nil
}
