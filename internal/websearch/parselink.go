package websearch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ffinly/chatcore/internal/blob"
)

const parseLinkMaxBodyBytes = 4 << 20 // 4 MiB

var titleTagPattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// LinkParser fetches a web page, stores its body in the blob store and
// returns the page title plus the storage key of the saved content.
type LinkParser struct {
	blobs *blob.Store
	http  *http.Client
}

func NewLinkParser(blobs *blob.Store) *LinkParser {
	return &LinkParser{
		blobs: blobs,
		http:  &http.Client{Timeout: 20 * time.Second},
	}
}

func (p *LinkParser) Parse(ctx context.Context, rawURL string) (ParsedLink, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ParsedLink{}, errors.New("missing url")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ParsedLink{}, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ParsedLink{}, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ParsedLink{}, err
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,*/*")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return ParsedLink{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ParsedLink{}, fmt.Errorf("link fetch failed (status %d)", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, parseLinkMaxBodyBytes))
	if err != nil {
		return ParsedLink{}, err
	}

	title := extractTitle(body)
	if title == "" {
		title = u.String()
	}

	mimeType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if mimeType == "" {
		mimeType = "text/html"
	}

	meta, err := p.blobs.Save(bytes.NewReader(body), title, mimeType)
	if err != nil {
		return ParsedLink{}, fmt.Errorf("store page content: %w", err)
	}

	return ParsedLink{
		URL:        u.String(),
		Title:      title,
		StorageKey: meta.Key,
	}, nil
}

func extractTitle(body []byte) string {
	m := titleTagPattern.FindSubmatch(body)
	if len(m) < 2 {
		return ""
	}
	title := html.UnescapeString(string(m[1]))
	title = strings.Join(strings.Fields(title), " ")
	return strings.TrimSpace(title)
}
