package chat

import "strings"

// NormalizeMessages repairs a raw message list into an order the provider
// accepts. It injects or merges the instruction block at the front, demotes
// system messages to user when the target has no system role, drops tool
// results that have no preceding tool call, and merges consecutive
// same-role messages. The input is never mutated.
func NormalizeMessages(msgs []Message, instructions string, supportsSystem bool) []Message {
	out := cloneMessages(msgs)

	instructions = strings.TrimSpace(instructions)
	if instructions != "" {
		instrPart := ContentPart{Type: PartText, Text: instructions}
		if len(out) > 0 && out[0].Role == RoleSystem {
			out[0].Parts = append([]ContentPart{instrPart}, out[0].Parts...)
		} else {
			out = append([]Message{{Role: RoleSystem, Parts: []ContentPart{instrPart}}}, out...)
		}
	}

	out = dropDanglingToolResults(out)

	if !supportsSystem {
		for i := range out {
			if out[i].Role == RoleSystem {
				out[i].Role = RoleUser
			}
		}
	}

	return mergeConsecutiveRoles(out)
}

func dropDanglingToolResults(msgs []Message) []Message {
	seenCalls := make(map[string]struct{})
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		kept := make([]ContentPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case PartToolCall:
				if id := strings.TrimSpace(p.ToolCallID); id != "" {
					seenCalls[id] = struct{}{}
				}
				kept = append(kept, p)
			case PartToolResult:
				id := strings.TrimSpace(p.ToolCallID)
				if id == "" {
					continue
				}
				if _, ok := seenCalls[id]; !ok {
					continue
				}
				kept = append(kept, p)
			default:
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			continue
		}
		m.Parts = kept
		out = append(out, m)
	}
	return out
}

func mergeConsecutiveRoles(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			prev := &out[len(out)-1]
			prev.Parts = append(prev.Parts, m.Parts...)
			continue
		}
		out = append(out, m)
	}
	return out
}
