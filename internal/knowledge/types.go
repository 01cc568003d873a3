package knowledge

import "strings"

// FileMeta describes one ingested knowledge-base document.
type FileMeta struct {
	FileID     string   `json:"file_id"`
	KBID       string   `json:"kb_id"`
	Filename   string   `json:"filename"`
	Title      string   `json:"title"`
	Tags       []string `json:"tags,omitempty"`
	ChunkCount int      `json:"chunk_count"`
	ByteSize   int64    `json:"byte_size"`
	CreatedAt  int64    `json:"created_at_unix_ms"`
}

// Chunk is one indexed slice of a document.
type Chunk struct {
	FileID string `json:"file_id"`
	Seq    int    `json:"seq"`
	Text   string `json:"text"`
}

// ChunkRef addresses a chunk for targeted reads.
type ChunkRef struct {
	FileID string `json:"file_id"`
	Seq    int    `json:"seq"`
}

func (r ChunkRef) Normalize() ChunkRef {
	out := r
	out.FileID = strings.TrimSpace(out.FileID)
	if out.Seq < 0 {
		out.Seq = 0
	}
	return out
}

// SearchHit is one scored chunk match.
type SearchHit struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Title    string `json:"title"`
	Seq      int    `json:"seq"`
	Text     string `json:"text"`
	Score    int    `json:"score"`
}

type SearchRequest struct {
	KBID       string
	Query      string
	MaxResults int
}

func (r SearchRequest) Normalize() SearchRequest {
	out := r
	out.KBID = strings.TrimSpace(out.KBID)
	out.Query = strings.TrimSpace(out.Query)
	if out.MaxResults <= 0 {
		out.MaxResults = 5
	}
	if out.MaxResults > 20 {
		out.MaxResults = 20
	}
	return out
}

type SearchResult struct {
	KBID    string      `json:"kb_id"`
	Query   string      `json:"query"`
	Matches []SearchHit `json:"matches"`
}
