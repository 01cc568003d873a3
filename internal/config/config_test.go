package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Providers: []Provider{
			{
				ID:        "openai",
				Type:      "openai",
				APIKeyEnv: "OPENAI_API_KEY",
				Models: []Model{
					{
						ModelName: "gpt-4o",
						IsDefault: true,
						Capabilities: ModelCapabilities{
							ToolUse:       []string{"*"},
							Vision:        true,
							SystemMessage: true,
						},
					},
				},
			},
			{
				ID:        "anthropic",
				Type:      "anthropic",
				APIKeyEnv: "ANTHROPIC_API_KEY",
				Models: []Model{
					{
						ModelName: "claude-sonnet-4-5",
						Capabilities: ModelCapabilities{
							ToolUse:       []string{FeatureNameKnowledgeBase},
							SystemMessage: true,
						},
					},
				},
			},
		},
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsDuplicateProviderID(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Providers[1].ID = "openai"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("err=%v, want duplicate id", err)
	}
}

func TestValidateRejectsMissingDefaultModel(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Providers[0].Models[0].IsDefault = false
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "missing default model") {
		t.Fatalf("err=%v, want missing default model", err)
	}
}

func TestValidateRejectsUnknownToolUseFeature(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Providers[0].Models[0].Capabilities.ToolUse = []string{"telepathy"}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown tool_use feature") {
		t.Fatalf("err=%v, want unknown tool_use feature", err)
	}
}

func TestValidateAcceptsNamedToolUseFeatures(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Providers[0].Models[0].Capabilities.ToolUse = []string{
		FeatureNameKnowledgeBase,
		FeatureNameWebBrowsing,
		FeatureNameFiles,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsAmbiguousMCPServer(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.MCPServers = map[string]MCPServerConfig{
		"files": {Command: "mcp-files", URL: "http://localhost:9000"},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "exactly one of command or url") {
		t.Fatalf("err=%v, want exactly one of command or url", err)
	}
}

func TestDefaultModelID(t *testing.T) {
	t.Parallel()

	id, ok := validConfig().DefaultModelID()
	if !ok || id != "openai/gpt-4o" {
		t.Fatalf("DefaultModelID=%q ok=%v", id, ok)
	}
}

func TestLookupModel(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	p, m, ok := cfg.LookupModel("anthropic/claude-sonnet-4-5")
	if !ok {
		t.Fatalf("LookupModel: not found")
	}
	if p.ID != "anthropic" || m.ModelName != "claude-sonnet-4-5" {
		t.Fatalf("provider=%q model=%q", p.ID, m.ModelName)
	}
	if _, _, ok := cfg.LookupModel("anthropic/unknown"); ok {
		t.Fatalf("unknown model should not resolve")
	}
	if _, _, ok := cfg.LookupModel("no-slash"); ok {
		t.Fatalf("malformed id should not resolve")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	cfg := validConfig()
	cfg.WebSearch = &WebSearchConfig{Provider: "brave", APIKeyEnv: "BRAVE_API_KEY"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.EffectiveWebSearchProvider() != "brave" {
		t.Fatalf("web search provider=%q", loaded.EffectiveWebSearchProvider())
	}
	if got, _ := loaded.DefaultModelID(); got != "openai/gpt-4o" {
		t.Fatalf("default model=%q", got)
	}
}
