package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/tetherhq/tether/internal/backoff"
	"github.com/tetherhq/tether/pkg/models"
)

// PostgresConfig tunes the database connection pool.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
	// EnsureSchema applies the idempotent DDL on startup.
	EnsureSchema bool
}

// DefaultPostgresConfig returns pool settings suitable for a single
// gateway instance.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStoresFromDSN creates Postgres-backed stores using a DSN.
func NewPostgresStoresFromDSN(dsn string, config *PostgresConfig) (*Stores, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	// A database restarting alongside the gateway comes up a moment later.
	if _, err := backoff.Retry(ctx, backoff.DefaultPolicy(), 3, func(int) (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	}); err != nil {
		_ = db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if config.EnsureSchema {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close() //nolint:errcheck // best-effort cleanup
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &Stores{
		Connections:   &postgresConnectionStore{db: db},
		VoiceSessions: &postgresVoiceSessionStore{db: db},
		Notes:         &postgresNoteStore{db: db},
		closer:        db.Close,
	}, nil
}

type postgresConnectionStore struct {
	db *sql.DB
}

func (s *postgresConnectionStore) Create(ctx context.Context, conn *models.Connection) error {
	if conn == nil || conn.ID == "" {
		return fmt.Errorf("connection is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (id, user_id, session_id, status, created_at, last_activity, disconnected_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		conn.ID,
		conn.UserID,
		nullString(conn.SessionID),
		string(conn.Status),
		conn.CreatedAt,
		conn.LastActivity,
		conn.DisconnectedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create connection: %w", err)
	}
	return nil
}

const connectionColumns = `id, user_id, session_id, status, created_at, last_activity, disconnected_at`

func scanConnection(row interface{ Scan(...any) error }) (*models.Connection, error) {
	var conn models.Connection
	var sessionID sql.NullString
	var status string
	if err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&sessionID,
		&status,
		&conn.CreatedAt,
		&conn.LastActivity,
		&conn.DisconnectedAt,
	); err != nil {
		return nil, err
	}
	conn.SessionID = sessionID.String
	conn.Status = models.ConnectionStatus(status)
	return &conn, nil
}

func (s *postgresConnectionStore) Get(ctx context.Context, id string) (*models.Connection, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id)
	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

func (s *postgresConnectionStore) ListActive(ctx context.Context, userID string) ([]*models.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE user_id = $1 AND status = 'connected'
		 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list active connections: %w", err)
	}
	defer rows.Close()

	var out []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

func (s *postgresConnectionStore) LatestBySession(ctx context.Context, sessionID, excludeID string) (*models.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE session_id = $1 AND id <> $2
		 ORDER BY created_at DESC LIMIT 1`, sessionID, excludeID)
	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest connection by session: %w", err)
	}
	return conn, nil
}

func (s *postgresConnectionStore) Touch(ctx context.Context, id string, at time.Time) error {
	// Conditional on status so a touch cannot resurrect a record that a
	// concurrent handler just disconnected.
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET last_activity = $2
		 WHERE id = $1 AND status = 'connected'`, id, at)
	if err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // lib/pq supports RowsAffected
		if _, err := s.Get(ctx, id); err != nil {
			return fmt.Errorf("touch connection %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

func (s *postgresConnectionStore) MarkDisconnected(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET status = 'disconnected', last_activity = $2, disconnected_at = $2
		 WHERE id = $1 AND status = 'connected'`, id, at)
	if err != nil {
		return fmt.Errorf("mark disconnected: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // lib/pq supports RowsAffected
		if _, err := s.Get(ctx, id); err != nil {
			return fmt.Errorf("mark disconnected %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

func (s *postgresConnectionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // lib/pq supports RowsAffected
		return fmt.Errorf("delete connection %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *postgresConnectionStore) DeleteDisconnectedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM connections
		 WHERE status = 'disconnected' AND disconnected_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale connections: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stale connections: %w", err)
	}
	return int(n), nil
}

type postgresVoiceSessionStore struct {
	db *sql.DB
}

const voiceSessionColumns = `id, connection_id, user_id, status, audio_format, total_duration, message_count, created_at, updated_at`

func scanVoiceSession(row interface{ Scan(...any) error }) (*models.VoiceSession, error) {
	var session models.VoiceSession
	var status string
	if err := row.Scan(
		&session.ID,
		&session.ConnectionID,
		&session.UserID,
		&status,
		&session.AudioFormat,
		&session.TotalDuration,
		&session.MessageCount,
		&session.CreatedAt,
		&session.UpdatedAt,
	); err != nil {
		return nil, err
	}
	session.Status = models.VoiceSessionStatus(status)
	return &session, nil
}

func (s *postgresVoiceSessionStore) Create(ctx context.Context, session *models.VoiceSession) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("voice session is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_sessions (id, connection_id, user_id, status, audio_format, total_duration, message_count, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		session.ID,
		session.ConnectionID,
		session.UserID,
		string(session.Status),
		session.AudioFormat,
		session.TotalDuration,
		session.MessageCount,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create voice session: %w", err)
	}
	return nil
}

func (s *postgresVoiceSessionStore) Get(ctx context.Context, id string) (*models.VoiceSession, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+voiceSessionColumns+` FROM voice_sessions WHERE id = $1`, id)
	session, err := scanVoiceSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get voice session: %w", err)
	}
	return session, nil
}

func (s *postgresVoiceSessionStore) ApplyPatch(ctx context.Context, id string, patch models.VoiceSessionPatch, at time.Time) (*models.VoiceSession, error) {
	// Single conditional statement: status only changes while the session
	// is still active, other fields apply regardless.
	var status *string
	if patch.Status != nil {
		st := string(*patch.Status)
		status = &st
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE voice_sessions SET
		   total_duration = COALESCE($2, total_duration),
		   message_count  = COALESCE($3, message_count),
		   status = CASE WHEN status = 'active' THEN COALESCE($4, status) ELSE status END,
		   updated_at = $5
		 WHERE id = $1
		 RETURNING `+voiceSessionColumns,
		id, patch.TotalDuration, patch.MessageCount, status, at)
	session, err := scanVoiceSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("patch voice session: %w", err)
	}
	return session, nil
}

func (s *postgresVoiceSessionStore) Finish(ctx context.Context, id string, status models.VoiceSessionStatus, duration float64, at time.Time) (*models.VoiceSession, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE voice_sessions SET status = $2, total_duration = $3, updated_at = $4
		 WHERE id = $1 AND status = 'active'
		 RETURNING `+voiceSessionColumns,
		id, string(status), duration, at)
	session, err := scanVoiceSession(row)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finish voice session: %w", err)
	}
	// Already terminal, or absent. Ending twice is a no-op.
	return s.Get(ctx, id)
}

func (s *postgresVoiceSessionStore) List(ctx context.Context, userID string, limit int) ([]*models.VoiceSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+voiceSessionColumns+` FROM voice_sessions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list voice sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.VoiceSession
	for rows.Next() {
		session, err := scanVoiceSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan voice session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *postgresVoiceSessionStore) ListActiveByConnection(ctx context.Context, connectionID string) ([]*models.VoiceSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+voiceSessionColumns+` FROM voice_sessions
		 WHERE connection_id = $1 AND status = 'active'
		 ORDER BY created_at`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list active voice sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.VoiceSession
	for rows.Next() {
		session, err := scanVoiceSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan voice session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *postgresVoiceSessionStore) ReassignConnection(ctx context.Context, oldConnectionID, newConnectionID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE voice_sessions SET connection_id = $2, updated_at = $3
		 WHERE connection_id = $1 AND status = 'active'`,
		oldConnectionID, newConnectionID, at)
	if err != nil {
		return 0, fmt.Errorf("reassign voice sessions: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reassign voice sessions: %w", err)
	}
	return int(moved), nil
}

type postgresNoteStore struct {
	db *sql.DB
}

const noteColumns = `id, user_id, session_id, content, created_at, updated_at`

func scanNote(row interface{ Scan(...any) error }) (*models.Note, error) {
	var note models.Note
	var sessionID sql.NullString
	if err := row.Scan(
		&note.ID,
		&note.UserID,
		&sessionID,
		&note.Content,
		&note.CreatedAt,
		&note.UpdatedAt,
	); err != nil {
		return nil, err
	}
	note.SessionID = sessionID.String
	return &note, nil
}

func (s *postgresNoteStore) Create(ctx context.Context, note *models.Note) error {
	if note == nil || note.ID == "" {
		return fmt.Errorf("note is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (id, user_id, session_id, content, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		note.ID,
		note.UserID,
		nullString(note.SessionID),
		note.Content,
		note.CreatedAt,
		note.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create note: %w", err)
	}
	return nil
}

func (s *postgresNoteStore) Get(ctx context.Context, id string) (*models.Note, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = $1`, id)
	note, err := scanNote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get note: %w", err)
	}
	return note, nil
}

func (s *postgresNoteStore) Update(ctx context.Context, note *models.Note) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET content = $2, updated_at = $3 WHERE id = $1`,
		note.ID, note.Content, note.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // lib/pq supports RowsAffected
		return fmt.Errorf("update note %s: %w", note.ID, ErrNotFound)
	}
	return nil
}

func (s *postgresNoteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // lib/pq supports RowsAffected
		return fmt.Errorf("delete note %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *postgresNoteStore) List(ctx context.Context, userID string, limit int) ([]*models.Note, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var out []*models.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, note)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
