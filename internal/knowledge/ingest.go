package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IngestDir parses every markdown file under dir into the kb. Existing files
// with the same filename keep their file_id so chunk references stay stable.
func (s *Store) IngestDir(ctx context.Context, kbID string, dir string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	kbID = strings.TrimSpace(kbID)
	dir = strings.TrimSpace(dir)
	if kbID == "" || dir == "" {
		return 0, fmt.Errorf("missing kb_id or docs dir")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	existing := make(map[string]string) // filename -> file_id
	if metas, _, err := s.ListFilesPaginated(ctx, kbID, 1, 200); err == nil {
		for _, meta := range metas {
			existing[meta.Filename] = meta.FileID
		}
	}

	ingested := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".md" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return ingested, err
		}
		doc, err := ParseDocument(name, string(raw))
		if err != nil {
			return ingested, err
		}

		fileID := existing[name]
		if fileID == "" {
			fileID = "kbf_" + uuid.NewString()
		}
		meta := FileMeta{
			FileID:    fileID,
			KBID:      kbID,
			Filename:  name,
			Title:     doc.Title,
			Tags:      doc.Tags,
			ByteSize:  int64(len(raw)),
			CreatedAt: time.Now().UnixMilli(),
		}
		if err := s.UpsertFile(ctx, meta, doc.Chunks); err != nil {
			return ingested, err
		}
		ingested++
	}
	return ingested, nil
}
