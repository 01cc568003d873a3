package chat

import "testing"

func TestStreamingResultTextRuns(t *testing.T) {
	t.Parallel()
	r := newStreamingResult()
	r.AppendText("Hello")
	r.AppendText(", world")
	parts := r.Snapshot()
	if len(parts) != 1 || parts[0].Type != PartText || parts[0].Text != "Hello, world" {
		t.Fatalf("unexpected parts: %+v", parts)
	}

	// A non-text part closes the current text run.
	r.AppendPart(ContentPart{Type: PartInfo, Text: "note"})
	r.AppendText("more text")
	parts = r.Snapshot()
	if len(parts) != 3 {
		t.Fatalf("len = %d, want 3: %+v", len(parts), parts)
	}
	if parts[2].Text != "more text" {
		t.Fatalf("new text run not opened: %+v", parts)
	}
}

func TestStreamingResultToolCallLifecycle(t *testing.T) {
	t.Parallel()
	r := newStreamingResult()
	r.AppendText("thinking")
	r.UpdateToolCall(PartialToolCall{ID: "call_1", Name: "web_search"})
	r.UpdateToolCall(PartialToolCall{ID: "call_1", Name: "web_search", ArgumentsJSON: `{"query":"go"}`})
	r.SetToolResult("call_1", `{"status":"success"}`)

	parts := r.Snapshot()
	if len(parts) != 2 {
		t.Fatalf("len = %d: %+v", len(parts), parts)
	}
	call := parts[1]
	if call.Type != PartToolCall || call.ToolCallID != "call_1" {
		t.Fatalf("unexpected call part: %+v", call)
	}
	if call.ArgsJSON != `{"query":"go"}` || call.ResultJSON != `{"status":"success"}` {
		t.Fatalf("call state not updated in place: %+v", call)
	}

	// Deltas after a tool call start a fresh text part.
	r.AppendText("and the answer is")
	if parts = r.Snapshot(); len(parts) != 3 {
		t.Fatalf("len = %d: %+v", len(parts), parts)
	}
}

func TestStreamingResultIgnoresEmptyCallID(t *testing.T) {
	t.Parallel()
	r := newStreamingResult()
	r.UpdateToolCall(PartialToolCall{Name: "web_search"})
	r.SetToolResult("", "{}")
	if !r.Empty() {
		t.Fatalf("expected empty result, got %+v", r.Snapshot())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()
	r := newStreamingResult()
	r.AppendText("original")
	snap := r.Snapshot()
	snap[0].Text = "mutated"
	if r.Snapshot()[0].Text != "original" {
		t.Fatalf("snapshot aliased internal state")
	}
}

func TestExtractFirstJSONObject(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{`prefix {"a":{"b":2}} suffix`, `{"a":{"b":2}}`},
		{`{"s":"brace } inside"}`, `{"s":"brace } inside"}`},
		{`{"s":"escaped \" quote}"}`, `{"s":"escaped \" quote}"}`},
		{`no object here`, ""},
		{`{"unterminated":`, ""},
	}
	for _, tc := range cases {
		if got := extractFirstJSONObject(tc.in); got != tc.want {
			t.Fatalf("extractFirstJSONObject(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()
	if got := truncateRunes("héllo wörld", 5); got != "héllo" {
		t.Fatalf("got %q", got)
	}
	if got := truncateRunes("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
}
