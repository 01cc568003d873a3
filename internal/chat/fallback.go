package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ffinly/chatcore/internal/chat/tools"
	"github.com/ffinly/chatcore/internal/knowledge"
	"github.com/ffinly/chatcore/internal/websearch"
)

// Search outcome types produced by the prompt-engineering fallback path.
const (
	SearchTypeKnowledgeBase = "knowledge_base"
	SearchTypeWeb           = "web"
	SearchTypeNone          = "none"
)

const searchClassifierMarker = "SEARCH_ROUTE_CLASSIFIER_V1"

// SearchResultItem is one uniform result row regardless of backend.
type SearchResultItem struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
	Source  string `json:"source,omitempty"`
}

// SearchOutcome is the uniform shape every fallback policy produces.
type SearchOutcome struct {
	Type    string             `json:"type"`
	Query   string             `json:"query"`
	Results []SearchResultItem `json:"results"`
}

// SearchDecision is the combined-search routing verdict.
type SearchDecision struct {
	Action string // knowledge_base | web | none
	Query  string
}

// SearchClassifier decides whether a user turn calls for knowledge-base
// search, web search, or neither. The selection policy is replaceable; the
// default delegates to the model itself.
type SearchClassifier interface {
	Classify(ctx context.Context, model Model, userText string) (SearchDecision, error)
}

type modelSearchClassifier struct{}

func (modelSearchClassifier) Classify(ctx context.Context, model Model, userText string) (SearchDecision, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return SearchDecision{Action: SearchTypeNone}, nil
	}

	system := strings.Join([]string{
		searchClassifierMarker,
		"You route a chat message to the right search backend.",
		"Return exactly one JSON object with keys: action, query.",
		"action must be one of: knowledge_base, web, none.",
		"Choose knowledge_base when the message asks about the user's own documents or attached material.",
		"Choose web when the message needs current or external information.",
		"Choose none when no search would help answer the message.",
		"query must be a short search query, or an empty string when action is none.",
		"Do not include markdown or extra text.",
	}, "\n")

	msgs := []Message{
		{Role: RoleSystem, Parts: []ContentPart{{Type: PartText, Text: system}}},
		{Role: RoleUser, Parts: []ContentPart{{Type: PartText, Text: truncateRunes(userText, 2_000)}}},
	}

	result, err := model.StreamChat(ctx, ChatRequest{Messages: msgs, MaxOutputTokens: 200}, nil)
	if err != nil {
		return SearchDecision{}, err
	}
	return parseSearchDecision(result.Text)
}

func parseSearchDecision(raw string) (SearchDecision, error) {
	candidate := stripJSONFences(raw)
	if candidate == "" {
		return SearchDecision{}, errors.New("empty classifier response")
	}
	type payload struct {
		Action string `json:"action"`
		Query  string `json:"query"`
	}
	parse := func(text string) (payload, error) {
		var p payload
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return payload{}, err
		}
		return p, nil
	}
	parsed, err := parse(candidate)
	if err != nil {
		embedded := extractFirstJSONObject(candidate)
		if embedded == "" {
			return SearchDecision{}, fmt.Errorf("invalid classifier response: %w", err)
		}
		parsed, err = parse(embedded)
		if err != nil {
			return SearchDecision{}, fmt.Errorf("invalid classifier payload: %w", err)
		}
	}
	action := strings.ToLower(strings.TrimSpace(parsed.Action))
	switch action {
	case SearchTypeKnowledgeBase, SearchTypeWeb, SearchTypeNone:
	default:
		return SearchDecision{}, fmt.Errorf("unknown classifier action %q", parsed.Action)
	}
	return SearchDecision{Action: action, Query: strings.TrimSpace(parsed.Query)}, nil
}

// runFallbackSearch executes exactly one upfront search before the main
// provider call. With both features needing fallback it runs the combined
// policy; otherwise the single-backend policy for whichever is flagged.
func (o *Orchestrator) runFallbackSearch(ctx context.Context, model Model, kbID string, kbFallback bool, webFallback bool, msgs []Message) SearchOutcome {
	query := lastUserText(msgs)

	switch {
	case kbFallback && webFallback:
		decision, err := o.classifier.Classify(ctx, model, query)
		if err != nil {
			o.logger.Warn("search classifier failed, skipping fallback search", "error", err.Error())
			return SearchOutcome{Type: SearchTypeNone}
		}
		switch decision.Action {
		case SearchTypeKnowledgeBase:
			return o.knowledgeSearchOutcome(ctx, kbID, decision.Query)
		case SearchTypeWeb:
			return o.webSearchOutcome(ctx, decision.Query)
		default:
			return SearchOutcome{Type: SearchTypeNone}
		}
	case kbFallback:
		return o.knowledgeSearchOutcome(ctx, kbID, query)
	case webFallback:
		return o.webSearchOutcome(ctx, query)
	default:
		return SearchOutcome{Type: SearchTypeNone}
	}
}

func (o *Orchestrator) knowledgeSearchOutcome(ctx context.Context, kbID string, query string) SearchOutcome {
	query = strings.TrimSpace(query)
	if o.kb == nil || kbID == "" || query == "" {
		return SearchOutcome{Type: SearchTypeNone}
	}
	result, err := o.kb.Search(ctx, knowledge.SearchRequest{KBID: kbID, Query: query})
	if err != nil {
		o.logger.Warn("knowledge fallback search failed", "kb_id", kbID, "error", err.Error())
		return SearchOutcome{Type: SearchTypeNone}
	}
	items := make([]SearchResultItem, 0, len(result.Matches))
	for _, hit := range result.Matches {
		items = append(items, SearchResultItem{
			Title:   hit.Title,
			Snippet: truncateRunes(hit.Text, 600),
			Source:  hit.Filename,
		})
	}
	return SearchOutcome{Type: SearchTypeKnowledgeBase, Query: query, Results: items}
}

func (o *Orchestrator) webSearchOutcome(ctx context.Context, query string) SearchOutcome {
	query = strings.TrimSpace(query)
	if o.web == nil || query == "" {
		return SearchOutcome{Type: SearchTypeNone}
	}
	result, err := o.web.Search(ctx, websearch.SearchRequest{Query: query})
	if err != nil {
		o.logger.Warn("web fallback search failed", "error", err.Error())
		return SearchOutcome{Type: SearchTypeNone}
	}
	items := make([]SearchResultItem, 0, len(result.Results))
	for _, r := range result.Results {
		items = append(items, SearchResultItem{Title: r.Title, Snippet: r.Snippet, Source: r.URL})
	}
	return SearchOutcome{Type: SearchTypeWeb, Query: query, Results: items}
}

// foldSearchOutcome converts a non-empty search outcome into (1) a synthetic
// tool-call part rendered like a native call and (2) a context message
// appended to the list sent to the provider.
func foldSearchOutcome(outcome SearchOutcome) (ContentPart, Message) {
	toolName := tools.NameWebSearch
	if outcome.Type == SearchTypeKnowledgeBase {
		toolName = tools.NameKnowledgeSearch
	}

	argsJSON, _ := json.Marshal(map[string]any{"query": outcome.Query})
	resultJSON, _ := json.Marshal(outcome.Results)
	part := ContentPart{
		Type:       PartToolCall,
		ToolCallID: "fallback_" + toolName,
		ToolName:   toolName,
		ArgsJSON:   string(argsJSON),
		ResultJSON: string(resultJSON),
	}

	var sb strings.Builder
	sb.WriteString("Search results for \"")
	sb.WriteString(outcome.Query)
	sb.WriteString("\":\n")
	for i, item := range outcome.Results {
		fmt.Fprintf(&sb, "%d. %s", i+1, strings.TrimSpace(item.Title))
		if src := strings.TrimSpace(item.Source); src != "" {
			fmt.Fprintf(&sb, " (%s)", src)
		}
		sb.WriteString("\n")
		if snippet := strings.TrimSpace(item.Snippet); snippet != "" {
			sb.WriteString(snippet)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nAnswer the user's last message using these results where relevant. Cite sources.")

	ctxMsg := Message{Role: RoleUser, Parts: []ContentPart{{Type: PartText, Text: sb.String()}}}
	return part, ctxMsg
}

func lastUserText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != RoleUser {
			continue
		}
		if txt := msgs[i].Text(); txt != "" {
			return txt
		}
	}
	return ""
}
