package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed index for knowledge-base documents.
//
// Notes:
// - Data is scoped by kb_id so one store can serve several knowledge bases.
// - WAL is enabled to support concurrent reads while ingestion writes.
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

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS kb_files (
  file_id            TEXT PRIMARY KEY,
  kb_id              TEXT NOT NULL,
  filename           TEXT NOT NULL,
  title              TEXT NOT NULL,
  tags_json          TEXT NOT NULL DEFAULT '[]',
  chunk_count        INTEGER NOT NULL DEFAULT 0,
  byte_size          INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_kb_files_kb_filename ON kb_files (kb_id, filename)`,
		`CREATE TABLE IF NOT EXISTS kb_chunks (
  file_id TEXT NOT NULL,
  seq     INTEGER NOT NULL,
  kb_id   TEXT NOT NULL,
  text    TEXT NOT NULL,
  PRIMARY KEY (file_id, seq)
)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_chunks_kb ON kb_chunks (kb_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertFile replaces a document and its chunks in one transaction.
func (s *Store) UpsertFile(ctx context.Context, meta FileMeta, chunks []string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	fileID := strings.TrimSpace(meta.FileID)
	kbID := strings.TrimSpace(meta.KBID)
	filename := strings.TrimSpace(meta.Filename)
	if fileID == "" || kbID == "" || filename == "" {
		return errors.New("missing file_id/kb_id/filename")
	}

	tagsJSON := "[]"
	if len(meta.Tags) > 0 {
		b, err := json.Marshal(meta.Tags)
		if err != nil {
			return err
		}
		tagsJSON = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO kb_files (file_id, kb_id, filename, title, tags_json, chunk_count, byte_size, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (file_id) DO UPDATE SET
  title = excluded.title,
  tags_json = excluded.tags_json,
  chunk_count = excluded.chunk_count,
  byte_size = excluded.byte_size
`, fileID, kbID, filename, strings.TrimSpace(meta.Title), tagsJSON, len(chunks), meta.ByteSize, meta.CreatedAt); err != nil {
		return err
	}
	for seq, text := range chunks {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO kb_chunks (file_id, seq, kb_id, text) VALUES (?, ?, ?, ?)
`, fileID, seq, kbID, text); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListFilesPaginated returns one page of the kb's file manifest plus the
// total file count. Pages are 1-based.
func (s *Store) ListFilesPaginated(ctx context.Context, kbID string, page int, pageSize int) ([]FileMeta, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	kbID = strings.TrimSpace(kbID)
	if kbID == "" {
		return nil, 0, errors.New("missing kb_id")
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kb_files WHERE kb_id = ?`, kbID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT file_id, kb_id, filename, title, tags_json, chunk_count, byte_size, created_at_unix_ms
FROM kb_files
WHERE kb_id = ?
ORDER BY filename ASC
LIMIT ? OFFSET ?
`, kbID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]FileMeta, 0, pageSize)
	for rows.Next() {
		meta, err := scanFileMeta(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, meta)
	}
	return out, total, rows.Err()
}

// GetFilesMeta resolves specific file IDs within a kb. Unknown IDs are skipped.
func (s *Store) GetFilesMeta(ctx context.Context, kbID string, fileIDs []string) ([]FileMeta, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	kbID = strings.TrimSpace(kbID)
	if kbID == "" {
		return nil, errors.New("missing kb_id")
	}

	out := make([]FileMeta, 0, len(fileIDs))
	for _, raw := range fileIDs {
		fileID := strings.TrimSpace(raw)
		if fileID == "" {
			continue
		}
		row := s.db.QueryRowContext(ctx, `
SELECT file_id, kb_id, filename, title, tags_json, chunk_count, byte_size, created_at_unix_ms
FROM kb_files
WHERE kb_id = ? AND file_id = ?
`, kbID, fileID)
		meta, err := scanFileMeta(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// ReadFileChunks fetches the addressed chunks, preserving request order.
// Missing chunks are skipped rather than failing the batch.
func (s *Store) ReadFileChunks(ctx context.Context, kbID string, refs []ChunkRef) ([]Chunk, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	kbID = strings.TrimSpace(kbID)
	if kbID == "" {
		return nil, errors.New("missing kb_id")
	}

	out := make([]Chunk, 0, len(refs))
	for _, raw := range refs {
		ref := raw.Normalize()
		if ref.FileID == "" {
			continue
		}
		var text string
		err := s.db.QueryRowContext(ctx, `
SELECT text FROM kb_chunks WHERE kb_id = ? AND file_id = ? AND seq = ?
`, kbID, ref.FileID, ref.Seq).Scan(&text)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Chunk{FileID: ref.FileID, Seq: ref.Seq, Text: text})
	}
	return out, nil
}

func (s *Store) chunksForKB(ctx context.Context, kbID string) ([]chunkRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.file_id, c.seq, c.text, f.filename, f.title, f.tags_json
FROM kb_chunks c
JOIN kb_files f ON f.file_id = c.file_id
WHERE c.kb_id = ?
ORDER BY c.file_id, c.seq
`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chunkRow, 0, 64)
	for rows.Next() {
		var r chunkRow
		var tagsJSON string
		if err := rows.Scan(&r.FileID, &r.Seq, &r.Text, &r.Filename, &r.Title, &tagsJSON); err != nil {
			return nil, err
		}
		if tagsJSON != "" {
			_ = json.Unmarshal([]byte(tagsJSON), &r.Tags)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type chunkRow struct {
	FileID   string
	Seq      int
	Text     string
	Filename string
	Title    string
	Tags     []string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileMeta(row rowScanner) (FileMeta, error) {
	var meta FileMeta
	var tagsJSON string
	if err := row.Scan(
		&meta.FileID,
		&meta.KBID,
		&meta.Filename,
		&meta.Title,
		&tagsJSON,
		&meta.ChunkCount,
		&meta.ByteSize,
		&meta.CreatedAt,
	); err != nil {
		return FileMeta{}, err
	}
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &meta.Tags)
	}
	return meta, nil
}
