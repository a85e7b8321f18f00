package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tetherhq/tether/pkg/models"
)

func newConnection(id, userID string, at time.Time) *models.Connection {
	return &models.Connection{
		ID:           id,
		UserID:       userID,
		Status:       models.ConnectionConnected,
		CreatedAt:    at,
		LastActivity: at,
	}
}

func TestConnectionStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now()

	conn := newConnection("conn-1", "user-1", now)
	if err := stores.Connections.Create(ctx, conn); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := stores.Connections.Create(ctx, conn); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Create() = %v, want ErrAlreadyExists", err)
	}

	got, err := stores.Connections.Get(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "user-1" || !got.IsActive() {
		t.Errorf("Get() = %+v, want active user-1 connection", got)
	}

	if _, err := stores.Connections.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestTouchDoesNotResurrectDisconnected(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now()

	if err := stores.Connections.Create(ctx, newConnection("conn-1", "user-1", now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := stores.Connections.MarkDisconnected(ctx, "conn-1", now); err != nil {
		t.Fatalf("MarkDisconnected() error = %v", err)
	}

	later := now.Add(time.Minute)
	if err := stores.Connections.Touch(ctx, "conn-1", later); err != nil {
		t.Fatalf("Touch() on disconnected = %v, want nil", err)
	}

	got, err := stores.Connections.Get(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.IsActive() {
		t.Error("touch resurrected a disconnected record")
	}
	if !got.LastActivity.Equal(now) {
		t.Errorf("LastActivity = %v, want unchanged %v", got.LastActivity, now)
	}
}

func TestMarkDisconnectedIdempotent(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now()

	if err := stores.Connections.Create(ctx, newConnection("conn-1", "user-1", now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := stores.Connections.MarkDisconnected(ctx, "conn-1", now); err != nil {
		t.Fatalf("MarkDisconnected() error = %v", err)
	}

	later := now.Add(time.Hour)
	if err := stores.Connections.MarkDisconnected(ctx, "conn-1", later); err != nil {
		t.Fatalf("second MarkDisconnected() error = %v", err)
	}
	got, _ := stores.Connections.Get(ctx, "conn-1")
	if !got.DisconnectedAt.Equal(now) {
		t.Errorf("DisconnectedAt = %v, want first disconnect time %v", got.DisconnectedAt, now)
	}
}

func TestListActiveFiltersByUserAndStatus(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now()

	for _, c := range []*models.Connection{
		newConnection("conn-1", "user-1", now),
		newConnection("conn-2", "user-1", now.Add(time.Second)),
		newConnection("conn-3", "user-2", now),
	} {
		if err := stores.Connections.Create(ctx, c); err != nil {
			t.Fatalf("Create(%s) error = %v", c.ID, err)
		}
	}
	if err := stores.Connections.MarkDisconnected(ctx, "conn-2", now); err != nil {
		t.Fatalf("MarkDisconnected() error = %v", err)
	}

	active, err := stores.Connections.ListActive(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != "conn-1" {
		t.Errorf("ListActive() = %v, want [conn-1]", active)
	}
}

func TestDeleteDisconnectedBefore(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now()

	if err := stores.Connections.Create(ctx, newConnection("old", "user-1", now.Add(-48*time.Hour))); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := stores.Connections.Create(ctx, newConnection("recent", "user-1", now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := stores.Connections.MarkDisconnected(ctx, "old", now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("MarkDisconnected() error = %v", err)
	}
	if err := stores.Connections.MarkDisconnected(ctx, "recent", now); err != nil {
		t.Fatalf("MarkDisconnected() error = %v", err)
	}

	removed, err := stores.Connections.DeleteDisconnectedBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteDisconnectedBefore() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := stores.Connections.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(old) = %v, want ErrNotFound", err)
	}
	if _, err := stores.Connections.Get(ctx, "recent"); err != nil {
		t.Errorf("Get(recent) error = %v", err)
	}

	// Idempotent: a second sweep removes nothing.
	removed, err = stores.Connections.DeleteDisconnectedBefore(ctx, now.Add(-24*time.Hour))
	if err != nil || removed != 0 {
		t.Errorf("second sweep = (%d, %v), want (0, nil)", removed, err)
	}
}

func TestLatestBySessionPicksNewestOther(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now()

	for _, c := range []*models.Connection{
		newConnection("conn-1", "user-1", now),
		newConnection("conn-2", "user-1", now.Add(time.Second)),
		newConnection("conn-3", "user-1", now.Add(2*time.Second)),
	} {
		c.SessionID = "client-session"
		if err := stores.Connections.Create(ctx, c); err != nil {
			t.Fatalf("Create(%s) error = %v", c.ID, err)
		}
	}

	// conn-3 is the caller's own record and must be excluded.
	prior, err := stores.Connections.LatestBySession(ctx, "client-session", "conn-3")
	if err != nil {
		t.Fatalf("LatestBySession() error = %v", err)
	}
	if prior.ID != "conn-2" {
		t.Errorf("LatestBySession() = %s, want conn-2", prior.ID)
	}

	if _, err := stores.Connections.LatestBySession(ctx, "unclaimed", "conn-3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestBySession(unclaimed) = %v, want ErrNotFound", err)
	}
}

func newVoiceSession(id, userID string, at time.Time) *models.VoiceSession {
	return &models.VoiceSession{
		ID:           id,
		ConnectionID: "conn-1",
		UserID:       userID,
		Status:       models.VoiceSessionActive,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func TestVoiceSessionPatchRespectsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now()

	if err := stores.VoiceSessions.Create(ctx, newVoiceSession("sess-1", "user-1", now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := stores.VoiceSessions.Finish(ctx, "sess-1", models.VoiceSessionCompleted, 12.5, now); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	errored := models.VoiceSessionError
	count := 7
	got, err := stores.VoiceSessions.ApplyPatch(ctx, "sess-1",
		models.VoiceSessionPatch{Status: &errored, MessageCount: &count}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}
	if got.Status != models.VoiceSessionCompleted {
		t.Errorf("Status = %v, want completed (terminal status is sticky)", got.Status)
	}
	if got.MessageCount != 7 {
		t.Errorf("MessageCount = %d, want 7 (non-status fields still apply)", got.MessageCount)
	}
}

func TestVoiceSessionFinishIdempotent(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now()

	if err := stores.VoiceSessions.Create(ctx, newVoiceSession("sess-1", "user-1", now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	first, err := stores.VoiceSessions.Finish(ctx, "sess-1", models.VoiceSessionCompleted, 10, now)
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if first.TotalDuration != 10 {
		t.Errorf("TotalDuration = %v, want 10", first.TotalDuration)
	}

	second, err := stores.VoiceSessions.Finish(ctx, "sess-1", models.VoiceSessionError, 99, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second Finish() error = %v", err)
	}
	if second.Status != models.VoiceSessionCompleted || second.TotalDuration != 10 {
		t.Errorf("second Finish() = %+v, want unchanged completed/10", second)
	}
}

func TestVoiceSessionListMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now()

	for i, id := range []string{"sess-1", "sess-2", "sess-3"} {
		s := newVoiceSession(id, "user-1", now.Add(time.Duration(i)*time.Second))
		if err := stores.VoiceSessions.Create(ctx, s); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	out, err := stores.VoiceSessions.List(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(out) != 2 || out[0].ID != "sess-3" || out[1].ID != "sess-2" {
		t.Errorf("List() = %v, want [sess-3 sess-2]", out)
	}
}

func TestReassignConnectionMovesActiveOnly(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now()

	activeSession := newVoiceSession("vs-1", "user-1", now)
	doneSession := newVoiceSession("vs-2", "user-1", now)
	otherConn := newVoiceSession("vs-3", "user-1", now)
	otherConn.ConnectionID = "conn-other"
	for _, session := range []*models.VoiceSession{activeSession, doneSession, otherConn} {
		if err := stores.VoiceSessions.Create(ctx, session); err != nil {
			t.Fatalf("Create(%s) error = %v", session.ID, err)
		}
	}
	if _, err := stores.VoiceSessions.Finish(ctx, "vs-2", models.VoiceSessionCompleted, 1, now); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	moved, err := stores.VoiceSessions.ReassignConnection(ctx, "conn-1", "conn-2", now.Add(time.Second))
	if err != nil {
		t.Fatalf("ReassignConnection() error = %v", err)
	}
	if moved != 1 {
		t.Errorf("moved = %d, want 1", moved)
	}

	got, _ := stores.VoiceSessions.Get(ctx, "vs-1")
	if got.ConnectionID != "conn-2" {
		t.Errorf("active session ConnectionID = %s, want conn-2", got.ConnectionID)
	}
	got, _ = stores.VoiceSessions.Get(ctx, "vs-2")
	if got.ConnectionID != "conn-1" {
		t.Errorf("terminal session ConnectionID = %s, want conn-1", got.ConnectionID)
	}
	got, _ = stores.VoiceSessions.Get(ctx, "vs-3")
	if got.ConnectionID != "conn-other" {
		t.Errorf("unrelated session ConnectionID = %s, want conn-other", got.ConnectionID)
	}
}

func TestNoteStoreCRUD(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now()

	note := &models.Note{ID: "note-1", UserID: "user-1", Content: "hello", CreatedAt: now, UpdatedAt: now}
	if err := stores.Notes.Create(ctx, note); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	note.Content = "updated"
	if err := stores.Notes.Update(ctx, note); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, err := stores.Notes.Get(ctx, "note-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Content != "updated" {
		t.Errorf("Content = %q, want updated", got.Content)
	}

	if err := stores.Notes.Delete(ctx, "note-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := stores.Notes.Get(ctx, "note-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete = %v, want ErrNotFound", err)
	}
}
