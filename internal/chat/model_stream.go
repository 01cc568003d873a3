package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// streamAssembler turns a provider's raw stream into the uniform StreamEvent
// sequence and the final ChatResult pieces. Adapters feed it text deltas and
// tool-call fragments keyed by whatever the provider uses to correlate them
// (item id, block index); the assembler owns ordering, event emission, and
// dedup against calls that only show up in the final response.
type streamAssembler struct {
	onEvent func(StreamEvent)
	alias   map[string]string

	text  strings.Builder
	calls []*streamCall
	byKey map[string]*streamCall
}

// streamCall is one tool call being assembled. Calls are kept in arrival
// order, which matches the provider's output order for a single stream.
type streamCall struct {
	key  string
	id   string
	name string

	args      strings.Builder
	finalArgs map[string]any
	announced bool
	done      bool
}

func newStreamAssembler(onEvent func(StreamEvent), aliasToReal map[string]string) *streamAssembler {
	return &streamAssembler{
		onEvent: onEvent,
		alias:   aliasToReal,
		byKey:   make(map[string]*streamCall),
	}
}

func (a *streamAssembler) appendText(delta string) {
	if delta == "" {
		return
	}
	a.text.WriteString(delta)
	emitEvent(a.onEvent, StreamEvent{Type: StreamEventTextDelta, Text: delta})
}

// openCall records or updates a call's identity. Providers may deliver
// identity and arguments in either order, so the start event is held back
// until both the call id and the tool name are known.
func (a *streamAssembler) openCall(key, callID, name string) {
	c := a.upsert(key)
	if id := strings.TrimSpace(callID); id != "" {
		c.id = id
	}
	if n := a.realName(name); n != "" {
		c.name = n
	}
	a.announce(c)
}

// extendArgs appends an arguments fragment. Fragments arriving before the
// call is identified are buffered and replayed by announce.
func (a *streamAssembler) extendArgs(key, fragment string) {
	if fragment == "" {
		return
	}
	c := a.upsert(key)
	c.args.WriteString(fragment)
	if c.announced {
		a.emitDelta(c)
	}
}

// closeCall finishes a call, preferring finalArgs (the provider's complete
// arguments payload) over accumulated fragments. Keys never opened are
// ignored so block-stop events for text content stay no-ops.
func (a *streamAssembler) closeCall(key, finalArgs string) {
	c := a.byKey[key]
	if c == nil || c.done {
		return
	}
	if raw := strings.TrimSpace(finalArgs); raw != "" {
		c.args.Reset()
		c.args.WriteString(raw)
	}
	a.announce(c)
	c.done = true
	if !c.announced {
		// Never identified; the recovery pass over the final response
		// re-adopts it with its real name.
		c.id = ""
		return
	}
	c.finalArgs = parseArgs(c.args.String())
	emitEvent(a.onEvent, StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &PartialToolCall{ID: c.id, Name: c.name, Arguments: cloneAnyMap(c.finalArgs)}})
}

// adopt registers a call reported only in the provider's final response,
// replaying the start/delta/end sequence so the caller observes a uniform
// stream regardless of how the provider delivered the call.
func (a *streamAssembler) adopt(callID, name, rawArgs string) {
	n := a.realName(name)
	if n == "" {
		return
	}
	id := strings.TrimSpace(callID)
	if id == "" {
		id = fmt.Sprintf("call_%d", len(a.calls)+1)
	}
	for _, c := range a.calls {
		if c.done && c.id == id {
			return
		}
	}
	c := &streamCall{key: "adopted:" + id, id: id, name: n, done: true}
	rawArgs = strings.TrimSpace(rawArgs)
	c.args.WriteString(rawArgs)
	c.finalArgs = parseArgs(rawArgs)
	a.calls = append(a.calls, c)

	emitEvent(a.onEvent, StreamEvent{Type: StreamEventToolCallStart, ToolCall: &PartialToolCall{ID: id, Name: n}})
	emitEvent(a.onEvent, StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &PartialToolCall{ID: id, Name: n, ArgumentsJSON: rawArgs, Arguments: cloneAnyMap(c.finalArgs)}})
	emitEvent(a.onEvent, StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &PartialToolCall{ID: id, Name: n, Arguments: cloneAnyMap(c.finalArgs)}})
}

// collect returns the streamed text and the finished calls in arrival order.
func (a *streamAssembler) collect() (string, []ToolCall) {
	var out []ToolCall
	for _, c := range a.calls {
		if !c.done || c.id == "" || c.name == "" {
			continue
		}
		out = append(out, ToolCall{ID: c.id, Name: c.name, Args: cloneAnyMap(c.finalArgs)})
	}
	return strings.TrimSpace(a.text.String()), out
}

func (a *streamAssembler) upsert(key string) *streamCall {
	if c := a.byKey[key]; c != nil {
		return c
	}
	c := &streamCall{key: key}
	a.byKey[key] = c
	a.calls = append(a.calls, c)
	return c
}

func (a *streamAssembler) announce(c *streamCall) {
	if c.announced || c.id == "" || c.name == "" {
		return
	}
	c.announced = true
	emitEvent(a.onEvent, StreamEvent{Type: StreamEventToolCallStart, ToolCall: &PartialToolCall{ID: c.id, Name: c.name}})
	if c.args.Len() > 0 {
		a.emitDelta(c)
	}
}

func (a *streamAssembler) emitDelta(c *streamCall) {
	raw := strings.TrimSpace(c.args.String())
	var partial map[string]any
	if raw != "" {
		// Fragments are valid JSON only once complete.
		_ = json.Unmarshal([]byte(raw), &partial)
	}
	emitEvent(a.onEvent, StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &PartialToolCall{ID: c.id, Name: c.name, ArgumentsJSON: raw, Arguments: cloneAnyMap(partial)}})
}

func (a *streamAssembler) realName(name string) string {
	name = strings.TrimSpace(name)
	if real, ok := a.alias[name]; ok {
		return real
	}
	return name
}

func parseArgs(raw string) map[string]any {
	args := map[string]any{}
	if raw = strings.TrimSpace(raw); raw != "" {
		_ = json.Unmarshal([]byte(raw), &args)
	}
	return args
}
