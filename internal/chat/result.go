package chat

import (
	"strings"
	"sync"
)

// StreamingResult accumulates the content parts of the in-flight assistant
// message. Exactly one exists per turn. Merges are synchronous and
// append-only so earlier orchestrator-injected parts survive later provider
// callbacks.
type StreamingResult struct {
	mu    sync.Mutex
	parts []ContentPart

	// textIndex points at the text part currently receiving deltas, -1 when
	// the next delta must open a new text part.
	textIndex int
}

func newStreamingResult() *StreamingResult {
	return &StreamingResult{textIndex: -1}
}

// AppendPart adds a completed part (tool call, info, image) and closes the
// current text run.
func (r *StreamingResult) AppendPart(part ContentPart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parts = append(r.parts, part)
	r.textIndex = -1
}

// AppendText concatenates a text delta onto the open text part, starting a
// new one after any non-text part.
func (r *StreamingResult) AppendText(delta string) {
	if delta == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.textIndex < 0 {
		r.parts = append(r.parts, ContentPart{Type: PartText})
		r.textIndex = len(r.parts) - 1
	}
	r.parts[r.textIndex].Text += delta
}

// UpdateToolCall rewrites the part for an in-flight tool call identified by
// its call ID, appending it on first sight.
func (r *StreamingResult) UpdateToolCall(call PartialToolCall) {
	id := strings.TrimSpace(call.ID)
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.parts {
		if r.parts[i].Type == PartToolCall && r.parts[i].ToolCallID == id {
			if name := strings.TrimSpace(call.Name); name != "" {
				r.parts[i].ToolName = name
			}
			if call.ArgumentsJSON != "" {
				r.parts[i].ArgsJSON = call.ArgumentsJSON
			}
			return
		}
	}
	r.parts = append(r.parts, ContentPart{
		Type:       PartToolCall,
		ToolCallID: id,
		ToolName:   strings.TrimSpace(call.Name),
		ArgsJSON:   call.ArgumentsJSON,
	})
	r.textIndex = -1
}

// SetToolResult attaches the executor outcome to an existing tool-call part.
func (r *StreamingResult) SetToolResult(callID string, resultJSON string) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.parts {
		if r.parts[i].Type == PartToolCall && r.parts[i].ToolCallID == callID {
			r.parts[i].ResultJSON = resultJSON
			return
		}
	}
}

// Snapshot returns a copy of the accumulated parts.
func (r *StreamingResult) Snapshot() []ContentPart {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ContentPart(nil), r.parts...)
}

func (r *StreamingResult) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parts) == 0
}
