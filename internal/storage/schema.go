package storage

// schema is the DDL for the Postgres backend. Statements are idempotent so
// applying on startup is safe.
const schema = `
CREATE TABLE IF NOT EXISTS connections (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    session_id      TEXT,
    status          TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    last_activity   TIMESTAMPTZ NOT NULL,
    disconnected_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_connections_user_status ON connections (user_id, status);
CREATE INDEX IF NOT EXISTS idx_connections_disconnected_at ON connections (disconnected_at) WHERE status = 'disconnected';

CREATE TABLE IF NOT EXISTS voice_sessions (
    id             TEXT PRIMARY KEY,
    connection_id  TEXT NOT NULL,
    user_id        TEXT NOT NULL,
    status         TEXT NOT NULL,
    audio_format   TEXT NOT NULL DEFAULT '',
    total_duration DOUBLE PRECISION NOT NULL DEFAULT 0,
    message_count  INTEGER NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_voice_sessions_user_created ON voice_sessions (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_voice_sessions_connection_status ON voice_sessions (connection_id, status);

CREATE TABLE IF NOT EXISTS notes (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    session_id TEXT,
    content    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_user_created ON notes (user_id, created_at DESC);
`
