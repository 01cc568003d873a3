package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store is a local content-addressed blob store for attachment and link
// bodies. Keys are "blob_" + hex sha256 of the content, so re-saving the same
// payload is idempotent.
type Store struct {
	dir      string
	maxBytes int64
}

type Meta struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	CreatedAt int64  `json:"created_at_unix_ms"`
}

func Open(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("missing blob dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Store{dir: dir, maxBytes: 10 << 20}, nil
}

func (s *Store) Save(r io.Reader, name string, mimeType string) (Meta, error) {
	if s == nil || strings.TrimSpace(s.dir) == "" {
		return Meta{}, errors.New("blob store not ready")
	}
	if r == nil {
		return Meta{}, errors.New("missing content")
	}

	limited := &io.LimitedReader{R: r, N: s.maxBytes + 1}
	b, err := io.ReadAll(limited)
	if err != nil {
		return Meta{}, err
	}
	if int64(len(b)) > s.maxBytes {
		return Meta{}, fmt.Errorf("content too large (max %d bytes)", s.maxBytes)
	}

	h := sha256.Sum256(b)
	key := "blob_" + hex.EncodeToString(h[:])

	name = strings.TrimSpace(name)
	if name == "" {
		name = "blob"
	}
	mt := strings.TrimSpace(mimeType)
	if mt == "" || mt == "application/octet-stream" {
		if len(b) > 0 {
			head := b
			if len(head) > 512 {
				head = head[:512]
			}
			mt = http.DetectContentType(head)
		}
	}
	if mt == "" {
		mt = "application/octet-stream"
	}

	meta := Meta{
		Key:       key,
		Name:      name,
		Size:      int64(len(b)),
		MimeType:  mt,
		CreatedAt: time.Now().UnixMilli(),
	}

	dataPath := filepath.Join(s.dir, key+".data")
	metaPath := filepath.Join(s.dir, key+".json")
	if _, err := os.Stat(dataPath); err == nil {
		// Content already present; refresh metadata only when missing.
		if _, err := os.Stat(metaPath); err == nil {
			return meta, nil
		}
	}

	mb, err := json.Marshal(meta)
	if err != nil {
		return Meta{}, err
	}
	mb = append(mb, '\n')

	if err := os.WriteFile(dataPath+".tmp", b, 0o600); err != nil {
		return Meta{}, err
	}
	if err := os.WriteFile(metaPath+".tmp", mb, 0o600); err != nil {
		_ = os.Remove(dataPath + ".tmp")
		return Meta{}, err
	}
	if err := os.Rename(dataPath+".tmp", dataPath); err != nil {
		_ = os.Remove(dataPath + ".tmp")
		_ = os.Remove(metaPath + ".tmp")
		return Meta{}, err
	}
	if err := os.Rename(metaPath+".tmp", metaPath); err != nil {
		_ = os.Remove(metaPath + ".tmp")
		return Meta{}, err
	}
	return meta, nil
}

// Get returns the stored content for key, or ("", false, nil) when absent.
func (s *Store) Get(key string) (string, bool, error) {
	b, meta, ok, err := s.read(key)
	if err != nil || !ok {
		return "", ok, err
	}
	_ = meta
	return string(b), true, nil
}

func (s *Store) Stat(key string) (Meta, bool, error) {
	_, meta, ok, err := s.read(key)
	return meta, ok, err
}

func (s *Store) read(key string) ([]byte, Meta, bool, error) {
	if s == nil || strings.TrimSpace(s.dir) == "" {
		return nil, Meta{}, false, errors.New("blob store not ready")
	}
	key = strings.TrimSpace(key)
	if key == "" || !strings.HasPrefix(key, "blob_") || strings.ContainsAny(key, "/\\") {
		return nil, Meta{}, false, errors.New("invalid blob key")
	}

	metaPath := filepath.Join(s.dir, key+".json")
	dataPath := filepath.Join(s.dir, key+".data")

	mb, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Meta{}, false, nil
		}
		return nil, Meta{}, false, err
	}
	var meta Meta
	if err := json.Unmarshal(bytes.TrimSpace(mb), &meta); err != nil {
		return nil, Meta{}, false, errors.New("corrupt blob metadata")
	}
	b, err := os.ReadFile(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Meta{}, false, nil
		}
		return nil, Meta{}, false, err
	}
	return b, meta, true, nil
}
