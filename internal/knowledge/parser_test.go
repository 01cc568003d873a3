package knowledge

import (
	"strings"
	"testing"
)

func TestParseDocumentWithFrontmatter(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument("guide.md", "---\ntitle: Guide\ntags:\n  - beta\n  - alpha\n  - beta\n---\n\nBody text.\n")
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if doc.Title != "Guide" {
		t.Fatalf("title=%q", doc.Title)
	}
	if len(doc.Tags) != 2 || doc.Tags[0] != "alpha" {
		t.Fatalf("tags=%v, want deduped sorted", doc.Tags)
	}
	if len(doc.Chunks) != 1 || doc.Chunks[0] != "Body text." {
		t.Fatalf("chunks=%v", doc.Chunks)
	}
}

func TestParseDocumentTitleFallbacks(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument("notes.md", "# First Heading\n\ncontent\n")
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if doc.Title != "First Heading" {
		t.Fatalf("title=%q, want heading", doc.Title)
	}

	doc, err = ParseDocument("plain.md", "just text\n")
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if doc.Title != "plain.md" {
		t.Fatalf("title=%q, want filename", doc.Title)
	}
}

func TestParseDocumentRejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := ParseDocument("empty.md", "---\ntitle: X\n---\n\n\n"); err == nil {
		t.Fatalf("empty document should fail")
	}
}

func TestChunkBodySplitsLongParagraphs(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", chunkMaxRunes+500)
	chunks := chunkBody(long)
	if len(chunks) != 2 {
		t.Fatalf("chunks=%d, want 2", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > chunkMaxRunes {
			t.Fatalf("chunk exceeds max: %d runes", len([]rune(c)))
		}
	}
}

func TestChunkBodyGroupsParagraphs(t *testing.T) {
	t.Parallel()

	body := "para one\n\npara two\n\npara three"
	chunks := chunkBody(body)
	if len(chunks) != 1 {
		t.Fatalf("chunks=%d, want 1 (short paragraphs grouped)", len(chunks))
	}
	if !strings.Contains(chunks[0], "para one") || !strings.Contains(chunks[0], "para three") {
		t.Fatalf("chunk=%q", chunks[0])
	}
}
