package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/recordwise/regent/internal/domain"
	"github.com/recordwise/regent/internal/logging"
)

// migration is a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "create sessions and messages",
		SQL: `
			CREATE TABLE sessions (
				id                    TEXT PRIMARY KEY,
				user_id               TEXT NOT NULL,
				email                 TEXT NOT NULL DEFAULT '',
				name                  TEXT NOT NULL DEFAULT '',
				encrypted_credential  TEXT NOT NULL DEFAULT '',
				created_at            TEXT NOT NULL,
				last_activity_at      TEXT NOT NULL,
				expires_at            TEXT NOT NULL,
				status                TEXT NOT NULL,
				metadata              TEXT,
				conversation_summary  TEXT NOT NULL DEFAULT '',
				user_preferences      TEXT,
				state                 TEXT
			);

			CREATE INDEX idx_sessions_user ON sessions (user_id);
			CREATE INDEX idx_sessions_status ON sessions (status);

			CREATE TABLE messages (
				seq         INTEGER PRIMARY KEY AUTOINCREMENT,
				id          TEXT NOT NULL,
				session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				role        TEXT NOT NULL,
				content     TEXT NOT NULL,
				timestamp   TEXT NOT NULL,
				tools_used  TEXT,
				metadata    TEXT
			);

			CREATE INDEX idx_messages_session ON messages (session_id, seq);
		`,
	},
}

// SQLiteBackend persists session records in a SQLite database. Save runs in
// a transaction, so a record is either fully on disk or not at all.
type SQLiteBackend struct {
	db  *sql.DB
	log *logging.Logger
}

// NewSQLiteBackend opens (or creates) the database at path and runs
// migrations. Use ":memory:" for tests.
func NewSQLiteBackend(path string, log *logging.Logger) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	b := &SQLiteBackend{db: db, log: log.Sub("sqlitebackend")}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	b.log.Info().Str("path", path).Msg("session database opened")
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	if _, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := b.db.QueryRow(
			"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version,
		).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		b.log.Info().Int("version", m.Version).Str("name", m.Name).Msg("applying migration")

		tx, err := b.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// Save replaces the stored record for the session in one transaction.
func (b *SQLiteBackend) Save(ctx context.Context, rec *Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	s := rec.Session
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, user_id, email, name, encrypted_credential,
			 created_at, last_activity_at, expires_at, status, metadata,
			 conversation_summary, user_preferences, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.Email, s.Name, s.EncryptedCredential,
		s.CreatedAt.Format(time.RFC3339Nano),
		s.LastActivityAt.Format(time.RFC3339Nano),
		s.ExpiresAt.Format(time.RFC3339Nano),
		string(s.Status), jsonOrNull(s.Metadata),
		rec.Cache.ConversationSummary,
		jsonOrNull(rec.Cache.UserPreferences),
		jsonOrNull(rec.Cache.State),
	); err != nil {
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, s.ID); err != nil {
		return fmt.Errorf("clearing messages for %s: %w", s.ID, err)
	}
	for _, m := range rec.Conversation {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, content, timestamp, tools_used, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, s.ID, m.Role, m.Content,
			m.Timestamp.Format(time.RFC3339Nano),
			jsonOrNull(m.ToolsUsed), jsonOrNull(m.Metadata),
		); err != nil {
			return fmt.Errorf("saving message for %s: %w", s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save for %s: %w", s.ID, err)
	}
	return nil
}

// Delete removes the session row; messages go with it via the cascade.
func (b *SQLiteBackend) Delete(ctx context.Context, sessionID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return nil
}

// List loads every stored record with its conversation.
func (b *SQLiteBackend) List(ctx context.Context) ([]*Record, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, user_id, email, name, encrypted_credential,
		       created_at, last_activity_at, expires_at, status, metadata,
		       conversation_summary, user_preferences, state
		FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := b.scanRecord(rows)
		if err != nil {
			b.log.Warn().Err(err).Msg("skipping unreadable session row")
			continue
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	for _, rec := range recs {
		conv, err := b.loadConversation(ctx, rec.Session.ID)
		if err != nil {
			return nil, err
		}
		rec.Conversation = conv
	}
	return recs, nil
}

func (b *SQLiteBackend) scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		s                                  domain.Session
		createdAt, lastActivity, expiresAt string
		status                             string
		metadata, prefs, state             sql.NullString
		summary                            string
	)
	if err := rows.Scan(
		&s.ID, &s.UserID, &s.Email, &s.Name, &s.EncryptedCredential,
		&createdAt, &lastActivity, &expiresAt, &status, &metadata,
		&summary, &prefs, &state,
	); err != nil {
		return nil, err
	}

	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	s.LastActivityAt, _ = time.Parse(time.RFC3339Nano, lastActivity)
	s.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	s.Status = domain.Status(status)
	slog := b.log.WithSession(s.ID)
	unmarshalIfSet(slog, "metadata", metadata, &s.Metadata)

	cache := domain.NewCache(s.ID)
	cache.ConversationSummary = summary
	unmarshalIfSet(slog, "user_preferences", prefs, &cache.UserPreferences)
	unmarshalIfSet(slog, "state", state, &cache.State)

	return &Record{Session: s, Cache: *cache}, nil
}

func (b *SQLiteBackend) loadConversation(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, role, content, timestamp, tools_used, metadata
		FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation for %s: %w", sessionID, err)
	}
	defer rows.Close()

	slog := b.log.WithSession(sessionID)
	var msgs []domain.Message
	for rows.Next() {
		var (
			m                 domain.Message
			ts                string
			toolsUsed, meta   sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &ts, &toolsUsed, &meta); err != nil {
			return nil, fmt.Errorf("scanning message for %s: %w", sessionID, err)
		}
		m.SessionID = sessionID
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		unmarshalIfSet(slog, "tools_used", toolsUsed, &m.ToolsUsed)
		unmarshalIfSet(slog, "metadata", meta, &m.Metadata)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	b.log.Info().Msg("closing session database")
	return b.db.Close()
}

func jsonOrNull(v any) sql.NullString {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return sql.NullString{}
		}
	case []string:
		if len(t) == 0 {
			return sql.NullString{}
		}
	case nil:
		return sql.NullString{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func unmarshalIfSet[T any](log *logging.Logger, column string, s sql.NullString, dst *T) {
	if !s.Valid || s.String == "" {
		return
	}
	if err := json.Unmarshal([]byte(s.String), dst); err != nil {
		log.Warn().Str("column", column).Err(err).Msg("corrupt json column, loading it empty")
	}
}
