// Package voice owns the lifecycle of voice interaction sessions:
// active until ended, then completed or errored, never resurrected.
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/pubsub"
	"github.com/tetherhq/tether/internal/scheduler"
	"github.com/tetherhq/tether/internal/storage"
	"github.com/tetherhq/tether/pkg/models"
)

// Notifier pushes a lifecycle event to the owning connection. Failures are
// best-effort and never fail the operation that triggered them.
type Notifier interface {
	Notify(ctx context.Context, connectionID string, event models.DomainEvent) error
}

// Config configures the voice session manager.
type Config struct {
	Store storage.VoiceSessionStore
	// Notifier is optional.
	Notifier Notifier
	// Publisher is optional.
	Publisher pubsub.Publisher
	// Clock is the time source (default real clock).
	Clock scheduler.Clock
	// DisconnectGrace is how long active sessions survive after their
	// connection is lost before being force-errored. Zero selects
	// DefaultDisconnectGrace; a negative value disables the policy.
	DisconnectGrace time.Duration
}

// DefaultDisconnectGrace is applied when Config.DisconnectGrace is zero.
const DefaultDisconnectGrace = 30 * time.Second

// Manager implements the voice session state machine.
type Manager struct {
	store     storage.VoiceSessionStore
	notifier  Notifier
	publisher pubsub.Publisher
	clock     scheduler.Clock
	grace     time.Duration
	logger    *slog.Logger

	mu         sync.Mutex
	graceTasks map[string]*scheduler.Task
}

// NewManager creates a voice session manager.
func NewManager(config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = scheduler.NewRealClock()
	}
	if config.DisconnectGrace == 0 {
		config.DisconnectGrace = DefaultDisconnectGrace
	}
	return &Manager{
		store:      config.Store,
		notifier:   config.Notifier,
		publisher:  config.Publisher,
		clock:      config.Clock,
		grace:      config.DisconnectGrace,
		logger:     logger.With("component", "voice"),
		graceTasks: make(map[string]*scheduler.Task),
	}
}

// Create persists a new active session, notifies the owning connection,
// and publishes a "started" lifecycle event.
func (m *Manager) Create(ctx context.Context, connectionID, userID, audioFormat string) (*models.VoiceSession, error) {
	now := m.clock.Now()
	session := &models.VoiceSession{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		UserID:       userID,
		Status:       models.VoiceSessionActive,
		AudioFormat:  audioFormat,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create voice session: %w", err)
	}

	m.logger.Info("voice session created",
		"session_id", session.ID,
		"user_id", userID,
		"connection_id", connectionID,
	)
	event := m.lifecycleEvent(session, models.PhaseStarted)
	m.notify(ctx, session.ConnectionID, event)
	m.publish(ctx, event)
	return session, nil
}

// Update applies only the provided fields and refreshes the updated
// timestamp. Notification failure does not fail the update.
func (m *Manager) Update(ctx context.Context, sessionID string, patch models.VoiceSessionPatch) (*models.VoiceSession, error) {
	session, err := m.store.ApplyPatch(ctx, sessionID, patch, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("update voice session: %w", err)
	}
	m.notify(ctx, session.ConnectionID, m.lifecycleEvent(session, models.PhaseProcessing))
	return session, nil
}

// End transitions the session to completed. If no duration was ever set it
// is computed from the creation time. Ending a session that already
// finished is a no-op returning the stored record.
func (m *Manager) End(ctx context.Context, sessionID string) (*models.VoiceSession, error) {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("end voice session: %w", err)
	}
	if session.Status.IsTerminal() {
		return session, nil
	}

	now := m.clock.Now()
	duration := session.TotalDuration
	if duration == 0 {
		duration = now.Sub(session.CreatedAt).Seconds()
	}

	finished, err := m.store.Finish(ctx, sessionID, models.VoiceSessionCompleted, duration, now)
	if err != nil {
		return nil, fmt.Errorf("end voice session: %w", err)
	}

	m.logger.Info("voice session completed",
		"session_id", sessionID,
		"duration_seconds", finished.TotalDuration,
		"message_count", finished.MessageCount,
	)
	event := m.lifecycleEvent(finished, models.PhaseCompleted)
	m.notify(ctx, finished.ConnectionID, event)
	m.publish(ctx, event)
	return finished, nil
}

// Fail transitions the session to the error status.
func (m *Manager) Fail(ctx context.Context, sessionID string) (*models.VoiceSession, error) {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("fail voice session: %w", err)
	}
	if session.Status.IsTerminal() {
		return session, nil
	}

	now := m.clock.Now()
	duration := session.TotalDuration
	if duration == 0 {
		duration = now.Sub(session.CreatedAt).Seconds()
	}

	failed, err := m.store.Finish(ctx, sessionID, models.VoiceSessionError, duration, now)
	if err != nil {
		return nil, fmt.Errorf("fail voice session: %w", err)
	}

	m.logger.Warn("voice session errored", "session_id", sessionID)
	event := m.lifecycleEvent(failed, models.PhaseError)
	m.notify(ctx, failed.ConnectionID, event)
	m.publish(ctx, event)
	return failed, nil
}

// Get returns one session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.VoiceSession, error) {
	return m.store.Get(ctx, sessionID)
}

// List returns a user's sessions, most recent first.
func (m *Manager) List(ctx context.Context, userID string, limit int) ([]*models.VoiceSession, error) {
	return m.store.List(ctx, userID, limit)
}

// HandleConnectionLoss starts the disconnect grace period for a
// connection. When it expires, every session still active on the
// connection is force-errored.
func (m *Manager) HandleConnectionLoss(ctx context.Context, connectionID string) {
	if m.grace < 0 {
		return
	}

	m.mu.Lock()
	if task, ok := m.graceTasks[connectionID]; ok {
		task.Cancel()
	}
	m.graceTasks[connectionID] = m.clock.After(m.grace, func() {
		m.mu.Lock()
		delete(m.graceTasks, connectionID)
		m.mu.Unlock()
		m.expireConnection(ctx, connectionID)
	})
	m.mu.Unlock()

	m.logger.Info("disconnect grace period started",
		"connection_id", connectionID,
		"grace", m.grace,
	)
}

// HandleConnectionRestored cancels a pending grace period.
func (m *Manager) HandleConnectionRestored(connectionID string) {
	m.mu.Lock()
	task, ok := m.graceTasks[connectionID]
	if ok {
		delete(m.graceTasks, connectionID)
	}
	m.mu.Unlock()

	if ok && task.Cancel() {
		m.logger.Info("disconnect grace period cancelled", "connection_id", connectionID)
	}
}

// ReattachConnection moves active sessions from a lost connection to its
// replacement and cancels the pending grace period.
func (m *Manager) ReattachConnection(ctx context.Context, oldConnectionID, newConnectionID string) {
	m.HandleConnectionRestored(oldConnectionID)
	moved, err := m.store.ReassignConnection(ctx, oldConnectionID, newConnectionID, m.clock.Now())
	if err != nil {
		m.logger.Error("failed to reassign sessions",
			"connection_id", oldConnectionID,
			"error", err,
		)
		return
	}
	if moved > 0 {
		m.logger.Info("sessions reattached",
			"from", oldConnectionID,
			"to", newConnectionID,
			"count", moved,
		)
	}
}

func (m *Manager) expireConnection(ctx context.Context, connectionID string) {
	sessions, err := m.store.ListActiveByConnection(ctx, connectionID)
	if err != nil {
		m.logger.Error("failed to list sessions for expired connection",
			"connection_id", connectionID,
			"error", err,
		)
		return
	}
	for _, session := range sessions {
		if _, err := m.Fail(ctx, session.ID); err != nil {
			m.logger.Error("failed to error session after grace period",
				"session_id", session.ID,
				"error", err,
			)
		}
	}
}

func (m *Manager) lifecycleEvent(session *models.VoiceSession, phase models.VoiceSessionPhase) models.DomainEvent {
	return models.DomainEvent{
		ID:        uuid.NewString(),
		Family:    models.FamilyVoiceSession,
		UserID:    session.UserID,
		Timestamp: m.clock.Now(),
		VoiceSession: &models.VoiceSessionEvent{
			SessionID:     session.ID,
			Phase:         phase,
			TotalDuration: session.TotalDuration,
			MessageCount:  session.MessageCount,
		},
	}
}

func (m *Manager) notify(ctx context.Context, connectionID string, event models.DomainEvent) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, connectionID, event); err != nil {
		m.logger.Warn("connection notification failed",
			"connection_id", connectionID,
			"error", err,
		)
	}
}

func (m *Manager) publish(ctx context.Context, event models.DomainEvent) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("event publish failed",
			"event_id", event.ID,
			"error", err,
		)
	}
}
