package chat

import (
	"testing"
)

func collectEvents(events *[]StreamEvent) func(StreamEvent) {
	return func(ev StreamEvent) { *events = append(*events, ev) }
}

func eventTypes(events []StreamEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestStreamAssemblerTextAndToolCall(t *testing.T) {
	t.Parallel()

	var events []StreamEvent
	asm := newStreamAssembler(collectEvents(&events), nil)

	asm.appendText("Hello")
	asm.appendText(" world")
	asm.openCall("item_1", "call_abc", "kb_search")
	asm.extendArgs("item_1", `{"query":`)
	asm.extendArgs("item_1", `"go"}`)
	asm.closeCall("item_1", "")

	text, calls := asm.collect()
	if text != "Hello world" {
		t.Fatalf("text = %q, want %q", text, "Hello world")
	}
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].ID != "call_abc" || calls[0].Name != "kb_search" {
		t.Fatalf("call = %+v", calls[0])
	}
	if got := calls[0].Args["query"]; got != "go" {
		t.Fatalf("query arg = %v, want go", got)
	}

	want := []string{
		StreamEventTextDelta,
		StreamEventTextDelta,
		StreamEventToolCallStart,
		StreamEventToolCallDelta,
		StreamEventToolCallDelta,
		StreamEventToolCallEnd,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStreamAssemblerArgsBeforeIdentity(t *testing.T) {
	t.Parallel()

	var events []StreamEvent
	asm := newStreamAssembler(collectEvents(&events), nil)

	// Argument fragments can arrive before the call is identified. No events
	// should leak until identity is known; then the buffer is replayed.
	asm.extendArgs("item_1", `{"path":"a.txt"}`)
	if len(events) != 0 {
		t.Fatalf("got %d events before identity, want 0", len(events))
	}
	asm.openCall("item_1", "call_1", "read_attachment")
	if len(events) != 2 {
		t.Fatalf("got %d events after identity, want start+delta", len(events))
	}
	if events[0].Type != StreamEventToolCallStart {
		t.Fatalf("first event = %v, want tool_call_start", events[0].Type)
	}
	if events[1].Type != StreamEventToolCallDelta || events[1].ToolCall.ArgumentsJSON != `{"path":"a.txt"}` {
		t.Fatalf("replayed delta = %+v", events[1])
	}
	asm.closeCall("item_1", "")

	_, calls := asm.collect()
	if len(calls) != 1 || calls[0].Args["path"] != "a.txt" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestStreamAssemblerCloseCallPrefersFinalPayload(t *testing.T) {
	t.Parallel()

	asm := newStreamAssembler(nil, nil)
	asm.openCall("item_1", "call_1", "web_search")
	asm.extendArgs("item_1", `{"query":"parti`)
	asm.closeCall("item_1", `{"query":"complete"}`)

	_, calls := asm.collect()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if got := calls[0].Args["query"]; got != "complete" {
		t.Fatalf("query arg = %v, want complete", got)
	}
}

func TestStreamAssemblerCloseUnknownKeyIsNoOp(t *testing.T) {
	t.Parallel()

	var events []StreamEvent
	asm := newStreamAssembler(collectEvents(&events), nil)

	// Block-stop events for text content arrive with keys no call opened.
	asm.closeCall("block_0", "")
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0", len(events))
	}
	_, calls := asm.collect()
	if len(calls) != 0 {
		t.Fatalf("got %d calls, want 0", len(calls))
	}
}

func TestStreamAssemblerAdoptDedupsStreamedCalls(t *testing.T) {
	t.Parallel()

	var events []StreamEvent
	asm := newStreamAssembler(collectEvents(&events), nil)

	asm.openCall("item_1", "call_1", "kb_search")
	asm.closeCall("item_1", `{"query":"x"}`)
	streamed := len(events)

	// Same call appearing in the final response must not duplicate.
	asm.adopt("call_1", "kb_search", `{"query":"x"}`)
	if len(events) != streamed {
		t.Fatalf("adopt of streamed call emitted %d extra events", len(events)-streamed)
	}

	// A call the stream dropped is adopted with a full event triple.
	asm.adopt("call_2", "parse_link", `{"url":"https://example.com"}`)
	if len(events) != streamed+3 {
		t.Fatalf("adopt emitted %d events, want 3", len(events)-streamed)
	}

	_, calls := asm.collect()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].ID != "call_1" || calls[1].ID != "call_2" {
		t.Fatalf("call order = %s, %s", calls[0].ID, calls[1].ID)
	}
}

func TestStreamAssemblerAdoptFallbackID(t *testing.T) {
	t.Parallel()

	asm := newStreamAssembler(nil, nil)
	asm.adopt("", "kb_search", `{}`)

	_, calls := asm.collect()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].ID != "call_1" {
		t.Fatalf("fallback id = %q, want call_1", calls[0].ID)
	}
}

func TestStreamAssemblerAdoptSkipsUnnamedCalls(t *testing.T) {
	t.Parallel()

	asm := newStreamAssembler(nil, nil)
	asm.adopt("call_1", "  ", `{}`)

	_, calls := asm.collect()
	if len(calls) != 0 {
		t.Fatalf("got %d calls, want 0", len(calls))
	}
}

func TestStreamAssemblerUnidentifiedCallReadopted(t *testing.T) {
	t.Parallel()

	var events []StreamEvent
	asm := newStreamAssembler(collectEvents(&events), nil)

	// The stream never names the call; the recovery pass over the final
	// response supplies the identity.
	asm.extendArgs("item_1", `{"query":"q"}`)
	asm.closeCall("item_1", "")
	if len(events) != 0 {
		t.Fatalf("unidentified call emitted %d events", len(events))
	}
	asm.adopt("call_9", "kb_search", `{"query":"q"}`)

	_, calls := asm.collect()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].ID != "call_9" || calls[0].Name != "kb_search" {
		t.Fatalf("call = %+v", calls[0])
	}
}

func TestStreamAssemblerResolvesAliases(t *testing.T) {
	t.Parallel()

	alias := map[string]string{"mcp__fs__read": "mcp:fs:read"}
	asm := newStreamAssembler(nil, alias)
	asm.openCall("item_1", "call_1", "mcp__fs__read")
	asm.closeCall("item_1", `{}`)

	_, calls := asm.collect()
	if len(calls) != 1 || calls[0].Name != "mcp:fs:read" {
		t.Fatalf("calls = %+v", calls)
	}
}
