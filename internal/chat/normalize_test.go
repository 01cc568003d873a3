package chat

import (
	"testing"
)

func countParts(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Parts)
	}
	return n
}

func TestNormalizeInjectsInstructions(t *testing.T) {
	t.Parallel()
	in := []Message{userMsg("hi")}
	out := NormalizeMessages(in, "You have tools.", true)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Role != RoleSystem || out[0].Parts[0].Text != "You have tools." {
		t.Fatalf("instructions not injected: %+v", out[0])
	}
}

func TestNormalizeMergesIntoExistingSystem(t *testing.T) {
	t.Parallel()
	in := []Message{
		{Role: RoleSystem, Parts: []ContentPart{{Type: PartText, Text: "be brief"}}},
		userMsg("hi"),
	}
	out := NormalizeMessages(in, "You have tools.", true)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if len(out[0].Parts) != 2 || out[0].Parts[0].Text != "You have tools." || out[0].Parts[1].Text != "be brief" {
		t.Fatalf("instructions not merged first: %+v", out[0].Parts)
	}
}

func TestNormalizeDemotesSystemWithoutSupport(t *testing.T) {
	t.Parallel()
	in := []Message{
		{Role: RoleSystem, Parts: []ContentPart{{Type: PartText, Text: "be brief"}}},
		userMsg("hi"),
	}
	out := NormalizeMessages(in, "", false)
	for _, m := range out {
		if m.Role == RoleSystem {
			t.Fatalf("system role survived demotion: %+v", out)
		}
	}
	// Demoted system and the adjacent user message collapse into one.
	if len(out) != 1 || out[0].Role != RoleUser || len(out[0].Parts) != 2 {
		t.Fatalf("unexpected shape after demotion: %+v", out)
	}
}

func TestNormalizeDropsDanglingToolResults(t *testing.T) {
	t.Parallel()
	in := []Message{
		userMsg("hi"),
		{Role: RoleAssistant, Parts: []ContentPart{
			{Type: PartToolCall, ToolCallID: "call_1", ToolName: "web_search", ArgsJSON: `{"query":"x"}`},
		}},
		{Role: RoleUser, Parts: []ContentPart{
			{Type: PartToolResult, ToolCallID: "call_1", ResultJSON: `{"ok":true}`},
			{Type: PartToolResult, ToolCallID: "call_orphan", ResultJSON: `{}`},
			{Type: PartToolResult, ResultJSON: `{}`},
		}},
	}
	out := NormalizeMessages(in, "", true)
	for _, m := range out {
		for _, p := range m.Parts {
			if p.Type == PartToolResult && p.ToolCallID != "call_1" {
				t.Fatalf("dangling tool result kept: %+v", p)
			}
		}
	}
	kept := 0
	for _, m := range out {
		for _, p := range m.Parts {
			if p.Type == PartToolResult {
				kept++
			}
		}
	}
	if kept != 1 {
		t.Fatalf("kept %d tool results, want 1", kept)
	}
}

func TestNormalizeMergesConsecutiveRoles(t *testing.T) {
	t.Parallel()
	in := []Message{
		userMsg("first"),
		userMsg("second"),
		{Role: RoleAssistant, Parts: []ContentPart{{Type: PartText, Text: "reply"}}},
	}
	out := NormalizeMessages(in, "", true)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(out), out)
	}
	if out[0].Role != RoleUser || len(out[0].Parts) != 2 {
		t.Fatalf("user messages not merged: %+v", out[0])
	}
	if countParts(in) != countParts(out) {
		t.Fatalf("content parts lost: %d -> %d", countParts(in), countParts(out))
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	in := []Message{
		{Role: RoleSystem, Parts: []ContentPart{{Type: PartText, Text: "original"}}},
		userMsg("hi"),
	}
	_ = NormalizeMessages(in, "added", false)
	if in[0].Role != RoleSystem || len(in[0].Parts) != 1 || in[0].Parts[0].Text != "original" {
		t.Fatalf("input mutated: %+v", in[0])
	}
}

func TestNeedsToolFallback(t *testing.T) {
	t.Parallel()
	capable := &fakeModel{toolUse: []string{"*"}}
	plain := &fakeModel{}
	if needsToolFallback(capable, "web-browsing", true) {
		t.Fatalf("capable model should not need fallback")
	}
	if needsToolFallback(plain, "web-browsing", false) {
		t.Fatalf("unrequested feature never needs fallback")
	}
	if !needsToolFallback(plain, "web-browsing", true) {
		t.Fatalf("plain model with requested feature needs fallback")
	}
}

func TestNeedsVisionFallback(t *testing.T) {
	t.Parallel()
	msgs := []Message{{Role: RoleUser, Parts: []ContentPart{{Type: PartImage, StorageKey: "blob_x"}}}}
	if needsVisionFallback(&fakeModel{vision: true}, msgs) {
		t.Fatalf("vision model never needs fallback")
	}
	if !needsVisionFallback(&fakeModel{}, msgs) {
		t.Fatalf("unprocessed image on blind model needs fallback")
	}
	processed := []Message{{Role: RoleUser, Parts: []ContentPart{{Type: PartImage, StorageKey: "blob_x", OCRText: "text"}}}}
	if needsVisionFallback(&fakeModel{}, processed) {
		t.Fatalf("processed image needs no further fallback")
	}
}
