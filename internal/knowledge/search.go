package knowledge

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// Search scores every indexed chunk of the kb against the query terms.
// Title and tag hits weigh more than body hits, matching how short queries
// usually name a document rather than quote it.
func (s *Store) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	if s == nil || s.db == nil {
		return SearchResult{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req = req.Normalize()
	if req.KBID == "" {
		return SearchResult{}, errors.New("missing kb_id")
	}
	if req.Query == "" {
		return SearchResult{}, errors.New("missing query")
	}

	rows, err := s.chunksForKB(ctx, req.KBID)
	if err != nil {
		return SearchResult{}, err
	}

	terms := tokenize(req.Query)
	matches := make([]SearchHit, 0, len(rows))
	for _, row := range rows {
		score := scoreChunk(row, terms)
		if score <= 0 {
			continue
		}
		matches = append(matches, SearchHit{
			FileID:   row.FileID,
			Filename: row.Filename,
			Title:    row.Title,
			Seq:      row.Seq,
			Text:     row.Text,
			Score:    score,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			if matches[i].FileID == matches[j].FileID {
				return matches[i].Seq < matches[j].Seq
			}
			return matches[i].FileID < matches[j].FileID
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > req.MaxResults {
		matches = matches[:req.MaxResults]
	}

	return SearchResult{
		KBID:    req.KBID,
		Query:   req.Query,
		Matches: matches,
	}, nil
}

func tokenize(input string) []string {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return nil
	}
	parts := strings.FieldsFunc(input, func(r rune) bool {
		return !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, exists := seen[part]; exists {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}

func scoreChunk(row chunkRow, terms []string) int {
	if len(terms) == 0 {
		return 0
	}
	title := strings.ToLower(row.Title)
	filename := strings.ToLower(row.Filename)
	text := strings.ToLower(row.Text)
	score := 0
	for _, term := range terms {
		if strings.Contains(title, term) {
			score += 6
		}
		if strings.Contains(filename, term) {
			score += 4
		}
		if strings.Contains(text, term) {
			score += 2
		}
		for _, tag := range row.Tags {
			if strings.Contains(strings.ToLower(tag), term) {
				score += 3
				break
			}
		}
	}
	return score
}
