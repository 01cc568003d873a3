// Package sessionstore is the local SQLite persistence layer for chat
// sessions and their messages.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store keeps sessions and messages in a single SQLite database. WAL is
// enabled so readers are not blocked while a turn is streaming writes.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Session struct {
	SessionID       string `json:"session_id"`
	Title           string `json:"title"`
	ModelID         string `json:"model_id"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`

	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview"`
}

type Message struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Role      string `json:"role"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`

	// TextContent is the flattened text of the message, used for previews
	// and session titles. MessageJSON carries the full part list.
	TextContent string `json:"text_content"`
	MessageJSON string `json:"message_json"`
}

func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}

	sess.SessionID = strings.TrimSpace(sess.SessionID)
	sess.Title = strings.TrimSpace(sess.Title)
	sess.ModelID = strings.TrimSpace(sess.ModelID)
	if sess.SessionID == "" {
		return errors.New("missing session_id")
	}

	now := time.Now().UnixMilli()
	if sess.CreatedAtUnixMs <= 0 {
		sess.CreatedAtUnixMs = now
	}
	if sess.UpdatedAtUnixMs <= 0 {
		sess.UpdatedAtUnixMs = sess.CreatedAtUnixMs
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(
  session_id, title, model_id,
  created_at_unix_ms, updated_at_unix_ms,
  last_message_at_unix_ms, last_message_preview
) VALUES(?, ?, ?, ?, ?, ?, ?)
`,
		sess.SessionID,
		sess.Title,
		sess.ModelID,
		sess.CreatedAtUnixMs,
		sess.UpdatedAtUnixMs,
		sess.LastMessageAtUnixMs,
		sess.LastMessagePreview,
	)
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	var sess Session
	err := s.db.QueryRowContext(ctx, `
SELECT session_id, title, model_id,
       created_at_unix_ms, updated_at_unix_ms,
       last_message_at_unix_ms, last_message_preview
FROM sessions
WHERE session_id = ?
`, sessionID).Scan(
		&sess.SessionID,
		&sess.Title,
		&sess.ModelID,
		&sess.CreatedAtUnixMs,
		&sess.UpdatedAtUnixMs,
		&sess.LastMessageAtUnixMs,
		&sess.LastMessagePreview,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, title, model_id,
       created_at_unix_ms, updated_at_unix_ms,
       last_message_at_unix_ms, last_message_preview
FROM sessions
ORDER BY updated_at_unix_ms DESC, session_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Session, 0, limit)
	for rows.Next() {
		var sess Session
		if err := rows.Scan(
			&sess.SessionID,
			&sess.Title,
			&sess.ModelID,
			&sess.CreatedAtUnixMs,
			&sess.UpdatedAtUnixMs,
			&sess.LastMessageAtUnixMs,
			&sess.LastMessagePreview,
		); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) RenameSession(ctx context.Context, sessionID string, title string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	title = strings.TrimSpace(title)
	if sessionID == "" {
		return errors.New("missing session_id")
	}
	if len(title) > 200 {
		return errors.New("title too long")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET title = ?, updated_at_unix_ms = ?
WHERE session_id = ?
`, title, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) UpdateSessionModelID(ctx context.Context, sessionID string, modelID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	modelID = strings.TrimSpace(modelID)
	if sessionID == "" || modelID == "" {
		return errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET model_id = ? WHERE session_id = ?
`, modelID, sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session_id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// AppendMessage inserts a message and refreshes session metadata in the same
// transaction. The first user message with text also becomes the session
// title when none is set yet.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, m Message) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, errors.New("missing session_id")
	}

	m.MessageID = strings.TrimSpace(m.MessageID)
	m.Role = strings.TrimSpace(m.Role)
	m.TextContent = strings.TrimSpace(m.TextContent)
	m.MessageJSON = strings.TrimSpace(m.MessageJSON)
	if m.MessageID == "" || m.Role == "" || m.MessageJSON == "" {
		return 0, errors.New("invalid message")
	}
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	titleCandidate := ""
	if m.Role == "user" {
		titleCandidate = truncateRunes(flattenLine(m.TextContent), 48)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var existingTitle string
	if err := tx.QueryRowContext(ctx, `
SELECT title FROM sessions WHERE session_id = ?
`, sessionID).Scan(&existingTitle); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO messages(session_id, message_id, role, created_at_unix_ms, text_content, message_json)
VALUES(?, ?, ?, ?, ?, ?)
`, sessionID, m.MessageID, m.Role, m.CreatedAtUnixMs, m.TextContent, m.MessageJSON)
	if err != nil {
		return 0, err
	}
	rowID, _ := res.LastInsertId()

	nextTitle := strings.TrimSpace(existingTitle)
	if nextTitle == "" && titleCandidate != "" {
		nextTitle = titleCandidate
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET title = ?,
    updated_at_unix_ms = ?,
    last_message_at_unix_ms = ?,
    last_message_preview = ?
WHERE session_id = ?
`,
		nextTitle,
		m.CreatedAtUnixMs,
		m.CreatedAtUnixMs,
		truncateRunes(flattenLine(m.TextContent), 160),
		sessionID,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rowID, nil
}

// ListMessages returns all messages of a session in insertion order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, message_id, role, created_at_unix_ms, text_content, message_json
FROM messages
WHERE session_id = ?
ORDER BY id ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.MessageID, &m.Role, &m.CreatedAtUnixMs, &m.TextContent, &m.MessageJSON); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CommitCompaction atomically replaces every message up to and including
// upToID with a single summary message. History after upToID is preserved.
// The summary keeps the oldest replaced message's position by reusing a
// created_at before the remaining history.
func (s *Store) CommitCompaction(ctx context.Context, sessionID string, upToID int64, summary Message) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session_id")
	}
	if upToID <= 0 {
		return errors.New("invalid compaction boundary")
	}
	summary.MessageID = strings.TrimSpace(summary.MessageID)
	summary.Role = strings.TrimSpace(summary.Role)
	summary.MessageJSON = strings.TrimSpace(summary.MessageJSON)
	if summary.MessageID == "" || summary.Role == "" || summary.MessageJSON == "" {
		return errors.New("invalid summary message")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var oldestCreatedAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `
SELECT MIN(created_at_unix_ms) FROM messages WHERE session_id = ? AND id <= ?
`, sessionID, upToID).Scan(&oldestCreatedAt)
	if err != nil {
		return err
	}
	if !oldestCreatedAt.Valid {
		return errors.New("no messages to compact")
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM messages WHERE session_id = ? AND id <= ?
`, sessionID, upToID); err != nil {
		return err
	}

	if summary.CreatedAtUnixMs <= 0 {
		summary.CreatedAtUnixMs = oldestCreatedAt.Int64
	}

	// The summary takes the boundary id so it sorts before surviving rows.
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, session_id, message_id, role, created_at_unix_ms, text_content, message_json)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, upToID, sessionID, summary.MessageID, summary.Role, summary.CreatedAtUnixMs, strings.TrimSpace(summary.TextContent), summary.MessageJSON); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE sessions SET updated_at_unix_ms = ? WHERE session_id = ?
`, time.Now().UnixMilli(), sessionID); err != nil {
		return err
	}

	return tx.Commit()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  model_id TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_message_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at_unix_ms DESC, session_id DESC);

CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  role TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  text_content TEXT NOT NULL DEFAULT '',
  message_json TEXT NOT NULL,
  UNIQUE(session_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id ASC);
`)
	return err
}

func flattenLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.TrimSpace(s)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
