package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ffinly/chatcore/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir: t.TempDir(),
		Providers: []config.Provider{{
			ID:        "openai",
			Name:      "OpenAI",
			Type:      "openai",
			APIKeyEnv: "CHATCORE_TEST_KEY",
			Models: []config.Model{{
				ModelName: "gpt-4o",
				IsDefault: true,
				Capabilities: config.ModelCapabilities{
					ToolUse:       []string{"*"},
					Vision:        true,
					SystemMessage: true,
				},
			}},
		}},
	}
}

func TestNewLocksDataDir(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a1, err := New(Options{Config: cfg, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := New(Options{Config: cfg, Logger: testLogger()}); err == nil {
		t.Fatal("second New on the same data dir should fail")
	} else if !strings.Contains(err.Error(), "in use") {
		t.Fatalf("second New: got %v, want data-dir-in-use error", err)
	}

	a1.Close()
	a2, err := New(Options{Config: cfg, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New after Close: %v", err)
	}
	a2.Close()
}

func TestRunCommandLoop(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		"/help",
		"/web on",
		"/kb on",
		"/rename planning chat",
		"/sessions",
		"/new",
		"/model nonexistent/model",
		"/quit",
	}, "\n") + "\n"

	var out bytes.Buffer
	a, err := New(Options{
		Config:  testConfig(t),
		Logger:  testLogger(),
		Version: "test",
		Input:   strings.NewReader(input),
		Output:  &out,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"chatcore test (model openai/gpt-4o)",
		"Commands:",
		"web browsing on",
		"knowledge base on",
		"planning chat",
		"error: model \"nonexistent/model\" is not in the provider registry",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q\n%s", want, got)
		}
	}
}

func TestOpenUnknownSessionReportsError(t *testing.T) {
	t.Parallel()

	input := "/open sess_does_not_exist\n/quit\n"
	var out bytes.Buffer
	a, err := New(Options{
		Config: testConfig(t),
		Logger: testLogger(),
		Input:  strings.NewReader(input),
		Output: &out,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), `error: session "sess_does_not_exist" not found`) {
		t.Fatalf("missing not-found error in output:\n%s", out.String())
	}
}

func TestRunStopsAtEOF(t *testing.T) {
	t.Parallel()

	a, err := New(Options{
		Config: testConfig(t),
		Logger: testLogger(),
		Input:  strings.NewReader(""),
		Output: io.Discard,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run at EOF: %v", err)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if !NewLogger("text", "debug").Enabled(ctx, slog.LevelDebug) {
		t.Fatal("debug logger should enable debug")
	}
	if NewLogger("json", "warn").Enabled(ctx, slog.LevelInfo) {
		t.Fatal("warn logger should not enable info")
	}
	if !NewLogger("bogus", "bogus").Enabled(ctx, slog.LevelInfo) {
		t.Fatal("fallback logger should enable info")
	}
}
