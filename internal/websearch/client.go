package websearch

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ffinly/chatcore/internal/config"
)

var (
	// ErrDisabled is returned when the configuration turns web search off.
	ErrDisabled = errors.New("web search is disabled")

	// ErrMissingAPIKey is returned when the configured key env is empty.
	ErrMissingAPIKey = errors.New("web search api key is not set")
)

// Client performs rate-limited web searches against the configured backend.
type Client struct {
	provider string
	limiter  *rate.Limiter
	brave    *braveBackend
}

// NewClient builds a Client from the web-search section of cfg. A nil or
// disabled configuration still yields a usable Client whose Search returns
// ErrDisabled.
func NewClient(cfg *config.Config) *Client {
	provider := ProviderDisabled
	apiKey := ""
	perMinute := 0
	if cfg != nil {
		provider = cfg.EffectiveWebSearchProvider()
		perMinute = cfg.EffectiveWebSearchPerMinute()
		if cfg.WebSearch != nil {
			if envName := strings.TrimSpace(cfg.WebSearch.APIKeyEnv); envName != "" {
				apiKey = strings.TrimSpace(os.Getenv(envName))
			}
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}

	return &Client{
		provider: provider,
		limiter:  limiter,
		brave: &braveBackend{
			apiKey:   apiKey,
			endpoint: braveEndpoint,
			http:     &http.Client{Timeout: 15 * time.Second},
		},
	}
}

// Enabled reports whether searches can be issued at all.
func (c *Client) Enabled() bool {
	return c != nil && c.provider != ProviderDisabled
}

func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	if c == nil || c.provider == ProviderDisabled {
		return SearchResult{}, ErrDisabled
	}

	req = req.Normalize()
	if req.Query == "" {
		return SearchResult{}, errors.New("missing query")
	}

	switch c.provider {
	case ProviderBrave:
		if c.brave.apiKey == "" {
			return SearchResult{}, ErrMissingAPIKey
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return SearchResult{}, err
		}
		return c.brave.search(ctx, req)
	default:
		return SearchResult{}, errors.New("unknown web search provider: " + c.provider)
	}
}
