package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tetherhq/tether/pkg/models"
)

// NewMemoryStores returns stores backed by in-process maps. Suitable for
// tests and single-node development.
func NewMemoryStores() *Stores {
	return &Stores{
		Connections:   newMemoryConnectionStore(),
		VoiceSessions: newMemoryVoiceSessionStore(),
		Notes:         newMemoryNoteStore(),
	}
}

type memoryConnectionStore struct {
	mu    sync.RWMutex
	conns map[string]*models.Connection
}

func newMemoryConnectionStore() *memoryConnectionStore {
	return &memoryConnectionStore{conns: make(map[string]*models.Connection)}
}

func cloneConnection(c *models.Connection) *models.Connection {
	cp := *c
	if c.DisconnectedAt != nil {
		at := *c.DisconnectedAt
		cp.DisconnectedAt = &at
	}
	return &cp
}

func (s *memoryConnectionStore) Create(_ context.Context, conn *models.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn.ID]; ok {
		return fmt.Errorf("create connection %s: %w", conn.ID, ErrAlreadyExists)
	}
	s.conns[conn.ID] = cloneConnection(conn)
	return nil
}

func (s *memoryConnectionStore) Get(_ context.Context, id string) (*models.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[id]
	if !ok {
		return nil, fmt.Errorf("get connection %s: %w", id, ErrNotFound)
	}
	return cloneConnection(conn), nil
}

func (s *memoryConnectionStore) ListActive(_ context.Context, userID string) ([]*models.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Connection
	for _, conn := range s.conns {
		if conn.UserID == userID && conn.IsActive() {
			out = append(out, cloneConnection(conn))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryConnectionStore) LatestBySession(_ context.Context, sessionID, excludeID string) (*models.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Connection
	for _, conn := range s.conns {
		if conn.SessionID != sessionID || conn.ID == excludeID {
			continue
		}
		if latest == nil || conn.CreatedAt.After(latest.CreatedAt) {
			latest = conn
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("latest by session %s: %w", sessionID, ErrNotFound)
	}
	return cloneConnection(latest), nil
}

func (s *memoryConnectionStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return fmt.Errorf("touch connection %s: %w", id, ErrNotFound)
	}
	if !conn.IsActive() {
		return nil
	}
	conn.LastActivity = at
	return nil
}

func (s *memoryConnectionStore) MarkDisconnected(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return fmt.Errorf("mark disconnected %s: %w", id, ErrNotFound)
	}
	if !conn.IsActive() {
		return nil
	}
	conn.Status = models.ConnectionDisconnected
	conn.LastActivity = at
	disconnectedAt := at
	conn.DisconnectedAt = &disconnectedAt
	return nil
}

func (s *memoryConnectionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return fmt.Errorf("delete connection %s: %w", id, ErrNotFound)
	}
	delete(s.conns, id)
	return nil
}

func (s *memoryConnectionStore) DeleteDisconnectedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, conn := range s.conns {
		if conn.Status == models.ConnectionDisconnected &&
			conn.DisconnectedAt != nil &&
			conn.DisconnectedAt.Before(cutoff) {
			delete(s.conns, id)
			removed++
		}
	}
	return removed, nil
}

type memoryVoiceSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.VoiceSession
}

func newMemoryVoiceSessionStore() *memoryVoiceSessionStore {
	return &memoryVoiceSessionStore{sessions: make(map[string]*models.VoiceSession)}
}

func cloneVoiceSession(s *models.VoiceSession) *models.VoiceSession {
	cp := *s
	return &cp
}

func (s *memoryVoiceSessionStore) Create(_ context.Context, session *models.VoiceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("create voice session %s: %w", session.ID, ErrAlreadyExists)
	}
	s.sessions[session.ID] = cloneVoiceSession(session)
	return nil
}

func (s *memoryVoiceSessionStore) Get(_ context.Context, id string) (*models.VoiceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get voice session %s: %w", id, ErrNotFound)
	}
	return cloneVoiceSession(session), nil
}

func (s *memoryVoiceSessionStore) ApplyPatch(_ context.Context, id string, patch models.VoiceSessionPatch, at time.Time) (*models.VoiceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("patch voice session %s: %w", id, ErrNotFound)
	}
	if patch.TotalDuration != nil {
		session.TotalDuration = *patch.TotalDuration
	}
	if patch.MessageCount != nil {
		session.MessageCount = *patch.MessageCount
	}
	if patch.Status != nil && !session.Status.IsTerminal() {
		session.Status = *patch.Status
	}
	session.UpdatedAt = at
	return cloneVoiceSession(session), nil
}

func (s *memoryVoiceSessionStore) Finish(_ context.Context, id string, status models.VoiceSessionStatus, duration float64, at time.Time) (*models.VoiceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("finish voice session %s: %w", id, ErrNotFound)
	}
	if session.Status.IsTerminal() {
		return cloneVoiceSession(session), nil
	}
	session.Status = status
	session.TotalDuration = duration
	session.UpdatedAt = at
	return cloneVoiceSession(session), nil
}

func (s *memoryVoiceSessionStore) List(_ context.Context, userID string, limit int) ([]*models.VoiceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.VoiceSession
	for _, session := range s.sessions {
		if session.UserID == userID {
			out = append(out, cloneVoiceSession(session))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryVoiceSessionStore) ListActiveByConnection(_ context.Context, connectionID string) ([]*models.VoiceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.VoiceSession
	for _, session := range s.sessions {
		if session.ConnectionID == connectionID && session.Status == models.VoiceSessionActive {
			out = append(out, cloneVoiceSession(session))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryVoiceSessionStore) ReassignConnection(_ context.Context, oldConnectionID, newConnectionID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := 0
	for _, session := range s.sessions {
		if session.ConnectionID == oldConnectionID && session.Status == models.VoiceSessionActive {
			session.ConnectionID = newConnectionID
			session.UpdatedAt = at
			moved++
		}
	}
	return moved, nil
}

type memoryNoteStore struct {
	mu    sync.RWMutex
	notes map[string]*models.Note
}

func newMemoryNoteStore() *memoryNoteStore {
	return &memoryNoteStore{notes: make(map[string]*models.Note)}
}

func cloneNote(n *models.Note) *models.Note {
	cp := *n
	return &cp
}

func (s *memoryNoteStore) Create(_ context.Context, note *models.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[note.ID]; ok {
		return fmt.Errorf("create note %s: %w", note.ID, ErrAlreadyExists)
	}
	s.notes[note.ID] = cloneNote(note)
	return nil
}

func (s *memoryNoteStore) Get(_ context.Context, id string) (*models.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	note, ok := s.notes[id]
	if !ok {
		return nil, fmt.Errorf("get note %s: %w", id, ErrNotFound)
	}
	return cloneNote(note), nil
}

func (s *memoryNoteStore) Update(_ context.Context, note *models.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[note.ID]; !ok {
		return fmt.Errorf("update note %s: %w", note.ID, ErrNotFound)
	}
	s.notes[note.ID] = cloneNote(note)
	return nil
}

func (s *memoryNoteStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[id]; !ok {
		return fmt.Errorf("delete note %s: %w", id, ErrNotFound)
	}
	delete(s.notes, id)
	return nil
}

func (s *memoryNoteStore) List(_ context.Context, userID string, limit int) ([]*models.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Note
	for _, note := range s.notes {
		if note.UserID == userID {
			out = append(out, cloneNote(note))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
