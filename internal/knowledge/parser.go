package knowledge

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	chunkTargetRunes = 1600
	chunkMaxRunes    = 2400
)

type docFrontmatter struct {
	Title string   `yaml:"title"`
	Tags  []string `yaml:"tags"`
}

// ParsedDoc is the intermediate form between a markdown source file and the
// indexed chunk rows.
type ParsedDoc struct {
	Title  string
	Tags   []string
	Chunks []string
}

// ParseDocument splits an optional YAML frontmatter block off a markdown
// document and chunks the body on paragraph boundaries.
func ParseDocument(filename string, content string) (ParsedDoc, error) {
	body := content
	doc := ParsedDoc{}

	if fmRaw, rest, ok := splitFrontmatter(content); ok {
		var fm docFrontmatter
		if err := yaml.Unmarshal([]byte(fmRaw), &fm); err != nil {
			return ParsedDoc{}, fmt.Errorf("%s: invalid frontmatter: %w", filename, err)
		}
		doc.Title = strings.TrimSpace(fm.Title)
		doc.Tags = normalizeStringList(fm.Tags)
		body = rest
	}
	if doc.Title == "" {
		doc.Title = firstHeading(body)
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSpace(filename)
	}

	doc.Chunks = chunkBody(body)
	if len(doc.Chunks) == 0 {
		return ParsedDoc{}, fmt.Errorf("%s: empty document", filename)
	}
	return doc, nil
}

func splitFrontmatter(content string) (frontmatter string, body string, ok bool) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return "", normalized, false
	}
	rest := normalized[len("---\n"):]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return "", normalized, false
	}
	return rest[:idx], rest[idx+len("\n---\n"):], true
}

func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
	}
	return ""
}

// chunkBody groups paragraphs into chunks of roughly chunkTargetRunes,
// hard-splitting any single paragraph above chunkMaxRunes.
func chunkBody(body string) []string {
	paragraphs := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n")
	chunks := make([]string, 0, len(paragraphs))
	var current strings.Builder
	currentRunes := 0

	flush := func() {
		text := strings.TrimSpace(current.String())
		if text != "" {
			chunks = append(chunks, text)
		}
		current.Reset()
		currentRunes = 0
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for _, piece := range splitLong(para, chunkMaxRunes) {
			n := len([]rune(piece))
			if currentRunes > 0 && currentRunes+n > chunkTargetRunes {
				flush()
			}
			if currentRunes > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(piece)
			currentRunes += n
		}
	}
	flush()
	return chunks
}

func splitLong(text string, maxRunes int) []string {
	rs := []rune(text)
	if len(rs) <= maxRunes {
		return []string{text}
	}
	out := make([]string, 0, len(rs)/maxRunes+1)
	for len(rs) > maxRunes {
		out = append(out, strings.TrimSpace(string(rs[:maxRunes])))
		rs = rs[maxRunes:]
	}
	if tail := strings.TrimSpace(string(rs)); tail != "" {
		out = append(out, tail)
	}
	return out
}

func normalizeStringList(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
