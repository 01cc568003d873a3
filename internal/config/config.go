package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for chatcore.
//
// Notes:
//   - Secrets (API keys) are referenced by environment variable name, never
//     stored inline. Field names are snake_case across the config surface.
type Config struct {
	// Providers is the provider registry available to the runtime.
	//
	// Providers own their model list; each model declares its capability set.
	// Exactly one model across all providers must be marked as default.
	Providers []Provider `json:"providers"`

	// OCR configures the text-extraction fallback for vision-unsupported models.
	OCR *OCRConfig `json:"ocr,omitempty"`

	// WebSearch configures the web-search backend for browsing turns.
	WebSearch *WebSearchConfig `json:"web_search,omitempty"`

	// KnowledgeBase configures local knowledge-base ingestion and search.
	KnowledgeBase *KnowledgeBaseConfig `json:"knowledge_base,omitempty"`

	// MCPServers registers external MCP tool servers by name.
	MCPServers map[string]MCPServerConfig `json:"mcp_servers,omitempty"`

	// DataDir is the root for local state (sessions db, blobs). Defaults to
	// ~/.chatcore when empty.
	DataDir string `json:"data_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

type Provider struct {
	// ID is a stable internal id (primary key). It must not change once used
	// for model routing.
	ID string `json:"id"`

	// Name is a human-friendly display name (safe to rename at any time).
	Name string `json:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the provider key.
	APIKeyEnv string `json:"api_key_env"`

	Models []Model `json:"models"`
}

type Model struct {
	ModelName string `json:"model_name"`

	// IsDefault marks the single default model across all providers.
	IsDefault bool `json:"is_default,omitempty"`

	Capabilities ModelCapabilities `json:"capabilities"`
}

// ModelCapabilities declares what a model interface natively supports. The
// runtime queries these, never provider identity.
type ModelCapabilities struct {
	// ToolUse lists natively tool-callable features. "*" grants all features.
	ToolUse []string `json:"tool_use,omitempty"`

	Vision        bool `json:"vision,omitempty"`
	SystemMessage bool `json:"system_message,omitempty"`

	// Paint marks image-generation models routed through the paint call.
	Paint bool `json:"paint,omitempty"`
}

type OCRConfig struct {
	// ModelID is the vision-capable model (<provider_id>/<model_name>) used to
	// extract text from images.
	ModelID string `json:"model_id,omitempty"`

	// LicenseKeyEnv names the environment variable holding a hosted-OCR
	// license key used when no local OCR model is configured.
	LicenseKeyEnv string `json:"license_key_env,omitempty"`
}

type WebSearchConfig struct {
	// Provider is "brave" or "disabled".
	Provider string `json:"provider,omitempty"`

	// APIKeyEnv names the environment variable holding the search key.
	APIKeyEnv string `json:"api_key_env,omitempty"`

	// MaxRequestsPerMinute caps outbound search calls. 0 means the default.
	MaxRequestsPerMinute int `json:"max_requests_per_minute,omitempty"`
}

type KnowledgeBaseConfig struct {
	// DocsDir holds markdown documents (YAML frontmatter) to ingest.
	DocsDir string `json:"docs_dir,omitempty"`
}

type MCPServerConfig struct {
	// Command launches a stdio MCP server. Mutually exclusive with URL.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	// URL connects to a streamable HTTP MCP server.
	URL string `json:"url,omitempty"`
}

const (
	defaultWebSearchProvider     = "brave"
	defaultWebSearchPerMinute    = 20
	defaultLogFormat             = "json"
	defaultLogLevel              = "info"
	capabilityToolUseAllSelector = "*"
	FeatureNameKnowledgeBase     = "knowledge-base"
	FeatureNameWebBrowsing       = "web-browsing"
	FeatureNameFiles             = "files"
)

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}

	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	defaultCount := 0
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case "openai", "anthropic", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == "openai_compatible" && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}
		if strings.TrimSpace(p.APIKeyEnv) == "" {
			return fmt.Errorf("providers[%d]: missing api_key_env", i)
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		modelNames := make(map[string]struct{}, len(p.Models))
		for j := range p.Models {
			m := p.Models[j]
			name := strings.TrimSpace(m.ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if strings.Contains(name, "/") {
				return fmt.Errorf("providers[%d].models[%d]: invalid model_name %q (must not contain /)", i, j, name)
			}
			if _, ok := modelNames[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			modelNames[name] = struct{}{}
			for _, feature := range m.Capabilities.ToolUse {
				f := strings.TrimSpace(feature)
				switch f {
				case capabilityToolUseAllSelector, FeatureNameKnowledgeBase, FeatureNameWebBrowsing, FeatureNameFiles:
				default:
					return fmt.Errorf("providers[%d].models[%d]: unknown tool_use feature %q", i, j, feature)
				}
			}
			if m.IsDefault {
				defaultCount++
			}
		}
	}
	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}

	if c.WebSearch != nil {
		switch strings.ToLower(strings.TrimSpace(c.WebSearch.Provider)) {
		case "", "brave", "disabled":
		default:
			return fmt.Errorf("invalid web_search.provider %q", c.WebSearch.Provider)
		}
		if c.WebSearch.MaxRequestsPerMinute < 0 {
			return fmt.Errorf("invalid web_search.max_requests_per_minute %d", c.WebSearch.MaxRequestsPerMinute)
		}
	}
	if c.OCR != nil && strings.TrimSpace(c.OCR.ModelID) != "" {
		if !c.IsAllowedModelID(c.OCR.ModelID) {
			return fmt.Errorf("ocr.model_id %q is not in the provider registry", c.OCR.ModelID)
		}
	}
	for name, srv := range c.MCPServers {
		if strings.TrimSpace(name) == "" {
			return errors.New("mcp_servers: empty server name")
		}
		hasCmd := strings.TrimSpace(srv.Command) != ""
		hasURL := strings.TrimSpace(srv.URL) != ""
		if hasCmd == hasURL {
			return fmt.Errorf("mcp_servers[%s]: exactly one of command or url is required", name)
		}
	}
	return nil
}

// DefaultModelID returns the default model wire id (<provider_id>/<model_name>).
//
// It assumes Validate() has passed. When config is invalid/incomplete, it
// returns ("", false).
func (c *Config) DefaultModelID() (string, bool) {
	if c == nil {
		return "", false
	}
	for _, p := range c.Providers {
		pid := strings.TrimSpace(p.ID)
		if pid == "" {
			continue
		}
		for _, m := range p.Models {
			if !m.IsDefault {
				continue
			}
			mn := strings.TrimSpace(m.ModelName)
			if mn == "" {
				continue
			}
			return pid + "/" + mn, true
		}
	}
	return "", false
}

// IsAllowedModelID reports whether the given model wire id exists in the
// provider registry.
func (c *Config) IsAllowedModelID(modelID string) bool {
	_, _, ok := c.LookupModel(modelID)
	return ok
}

// LookupModel resolves a model wire id (<provider_id>/<model_name>) to its
// provider and model entries.
func (c *Config) LookupModel(modelID string) (Provider, Model, bool) {
	if c == nil {
		return Provider{}, Model{}, false
	}
	raw := strings.TrimSpace(modelID)
	pid, mn, ok := strings.Cut(raw, "/")
	pid = strings.TrimSpace(pid)
	mn = strings.TrimSpace(mn)
	if !ok || pid == "" || mn == "" {
		return Provider{}, Model{}, false
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) != pid {
			continue
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == mn {
				return p, m, true
			}
		}
		return Provider{}, Model{}, false
	}
	return Provider{}, Model{}, false
}

func (c *Config) EffectiveWebSearchProvider() string {
	if c == nil || c.WebSearch == nil {
		return defaultWebSearchProvider
	}
	v := strings.ToLower(strings.TrimSpace(c.WebSearch.Provider))
	switch v {
	case "brave", "disabled":
		return v
	default:
		return defaultWebSearchProvider
	}
}

func (c *Config) EffectiveWebSearchPerMinute() int {
	if c == nil || c.WebSearch == nil || c.WebSearch.MaxRequestsPerMinute <= 0 {
		return defaultWebSearchPerMinute
	}
	return c.WebSearch.MaxRequestsPerMinute
}

func (c *Config) EffectiveLogFormat() string {
	if c == nil {
		return defaultLogFormat
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "text":
		return "text"
	default:
		return defaultLogFormat
	}
}

func (c *Config) EffectiveLogLevel() string {
	if c == nil {
		return defaultLogLevel
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(strings.TrimSpace(c.LogLevel))
	default:
		return defaultLogLevel
	}
}

func (c *Config) EffectiveDataDir() string {
	if c != nil && strings.TrimSpace(c.DataDir) != "" {
		return filepath.Clean(strings.TrimSpace(c.DataDir))
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".chatcore"
	}
	return filepath.Join(home, ".chatcore")
}

// DefaultConfigPath returns the default config path:
//
//	~/.chatcore/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "chatcore.config.json"
	}
	return filepath.Join(home, ".chatcore", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
