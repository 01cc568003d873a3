package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ffinly/chatcore/internal/blob"
	"github.com/ffinly/chatcore/internal/chat/tools"
	"github.com/ffinly/chatcore/internal/knowledge"
	"github.com/ffinly/chatcore/internal/mcp"
	"github.com/ffinly/chatcore/internal/websearch"
)

// Collaborator boundaries consumed by the assembler and the tool executors.

type KnowledgeController interface {
	Search(ctx context.Context, req knowledge.SearchRequest) (knowledge.SearchResult, error)
	ListFilesPaginated(ctx context.Context, kbID string, page int, pageSize int) ([]knowledge.FileMeta, int, error)
	GetFilesMeta(ctx context.Context, kbID string, fileIDs []string) ([]knowledge.FileMeta, error)
	ReadFileChunks(ctx context.Context, kbID string, refs []knowledge.ChunkRef) ([]knowledge.Chunk, error)
}

type WebSearcher interface {
	Search(ctx context.Context, req websearch.SearchRequest) (websearch.SearchResult, error)
}

type LinkParser interface {
	Parse(ctx context.Context, rawURL string) (websearch.ParsedLink, error)
}

type BlobStore interface {
	Get(key string) (string, bool, error)
	Stat(key string) (blob.Meta, bool, error)
}

type MCPTools interface {
	Tools() []mcp.ToolInfo
	CallTool(ctx context.Context, serverName string, toolName string, args map[string]any) (string, bool, error)
}

// Attachment references a user-supplied file stored in the blob store.
type Attachment struct {
	Name       string `json:"name"`
	StorageKey string `json:"storage_key"`
}

type toolExecutor func(ctx context.Context, args map[string]any) (any, error)

// ToolSet is the per-turn tool registry plus the combined instruction block.
// Assembled fresh per turn, never persisted.
type ToolSet struct {
	Defs         []ToolDef
	Instructions string

	executors map[string]toolExecutor
}

func (ts *ToolSet) Has(name string) bool {
	if ts == nil {
		return false
	}
	_, ok := ts.executors[name]
	return ok
}

// Execute runs one tool call and normalizes the outcome into a result
// envelope. Executor errors become tool-level errors, never turn failures.
func (ts *ToolSet) Execute(ctx context.Context, call ToolCall) tools.ResultEnvelope {
	env := tools.ResultEnvelope{ToolID: call.ID, Status: tools.ResultStatusSuccess}
	exec, ok := ts.executors[strings.TrimSpace(call.Name)]
	if !ok {
		env.Status = tools.ResultStatusError
		env.Error = &tools.ToolError{Code: tools.ErrorCodeNotFound, Message: fmt.Sprintf("unknown tool %q", call.Name)}
		env.Normalize()
		return env
	}
	result, err := exec(ctx, call.Args)
	if err != nil {
		env.Status = tools.ResultStatusError
		env.Error = &tools.ToolError{Code: errorCodeFor(ctx, err), Message: err.Error()}
		env.Normalize()
		return env
	}
	env.Result = result
	env.Normalize()
	return env
}

func errorCodeFor(ctx context.Context, err error) tools.ErrorCode {
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return tools.ErrorCodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return tools.ErrorCodeTimeout
	default:
		return tools.ErrorCodeUnknown
	}
}

type assembleInput struct {
	Model           Model
	KnowledgeBaseID string
	WebBrowsing     bool
	Attachments     []Attachment
}

type assembler struct {
	logger *slog.Logger
	kb     KnowledgeController
	web    WebSearcher
	links  LinkParser
	blobs  BlobStore
	mcp    MCPTools
}

// assemble builds the tool registry and instruction text for one turn.
// Feature blocks appear in fixed order: knowledge base, file, web. The
// knowledge-base block needs a file-manifest lookahead; when that lookup
// fails the feature degrades to unavailable instead of failing the turn.
func (a *assembler) assemble(ctx context.Context, in assembleInput) ToolSet {
	ts := ToolSet{executors: make(map[string]toolExecutor)}
	var blocks []string

	kbID := strings.TrimSpace(in.KnowledgeBaseID)
	if kbID != "" && a.kb != nil && in.Model.SupportsToolUse(tools.FeatureKnowledgeBase) {
		if block, ok := a.addKnowledgeTools(ctx, &ts, kbID); ok {
			blocks = append(blocks, block)
		}
	}

	if len(in.Attachments) > 0 && a.blobs != nil && in.Model.SupportsToolUse(tools.FeatureFiles) {
		blocks = append(blocks, a.addFileTools(&ts, in.Attachments))
	}

	if in.WebBrowsing && a.web != nil && in.Model.SupportsToolUse(tools.FeatureWebBrowsing) {
		blocks = append(blocks, a.addWebTools(&ts))
	}

	a.addMCPTools(&ts)

	ts.Instructions = strings.TrimSpace(strings.Join(blocks, "\n\n"))
	return ts
}

func (a *assembler) addKnowledgeTools(ctx context.Context, ts *ToolSet, kbID string) (string, bool) {
	files, total, err := a.kb.ListFilesPaginated(ctx, kbID, 1, 20)
	if err != nil {
		a.logger.Warn("knowledge base manifest lookup failed, feature unavailable for turn", "kb_id", kbID, "error", err.Error())
		return "", false
	}

	var manifest strings.Builder
	for _, f := range files {
		title := strings.TrimSpace(f.Title)
		if title == "" {
			title = f.Filename
		}
		fmt.Fprintf(&manifest, "- %s (%s, %d chunks)\n", title, f.FileID, f.ChunkCount)
	}
	if total > len(files) {
		fmt.Fprintf(&manifest, "... and %d more files\n", total-len(files))
	}

	block := strings.Join([]string{
		"## Knowledge base",
		"A knowledge base is attached to this conversation. Use kb_search to find relevant passages,",
		"kb_list_files to browse documents, kb_read_chunks to read specific chunks in full, and",
		"kb_file_meta to look up metadata for specific files by id.",
		"Files currently in the knowledge base:",
		strings.TrimSpace(manifest.String()),
	}, "\n")

	ts.Defs = append(ts.Defs,
		ToolDef{
			Name:        tools.NameKnowledgeSearch,
			Description: "Search the attached knowledge base for passages relevant to a query.",
			InputSchema: objectSchema(map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query"},
			}, []string{"query"}),
		},
		ToolDef{
			Name:        tools.NameKnowledgeListFiles,
			Description: "List documents in the attached knowledge base, paginated.",
			InputSchema: objectSchema(map[string]any{
				"page": map[string]any{"type": "integer", "description": "1-based page number"},
			}, nil),
		},
		ToolDef{
			Name:        tools.NameKnowledgeReadChunks,
			Description: "Read specific chunks of knowledge-base documents by file id and chunk sequence.",
			InputSchema: objectSchema(map[string]any{
				"chunks": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"file_id": map[string]any{"type": "string"},
							"seq":     map[string]any{"type": "integer"},
						},
						"required": []string{"file_id", "seq"},
					},
				},
			}, []string{"chunks"}),
		},
		ToolDef{
			Name:        tools.NameKnowledgeFileMeta,
			Description: "Look up metadata (title, filename, chunk count) for knowledge-base files by id.",
			InputSchema: objectSchema(map[string]any{
				"file_ids": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			}, []string{"file_ids"}),
		},
	)

	ts.executors[tools.NameKnowledgeSearch] = func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		return a.kb.Search(ctx, knowledge.SearchRequest{KBID: kbID, Query: query})
	}
	ts.executors[tools.NameKnowledgeListFiles] = func(ctx context.Context, args map[string]any) (any, error) {
		page := intArg(args, "page", 1)
		files, total, err := a.kb.ListFilesPaginated(ctx, kbID, page, 20)
		if err != nil {
			return nil, err
		}
		return map[string]any{"files": files, "total": total, "page": page}, nil
	}
	ts.executors[tools.NameKnowledgeReadChunks] = func(ctx context.Context, args map[string]any) (any, error) {
		refs, err := parseChunkRefs(args["chunks"])
		if err != nil {
			return nil, err
		}
		return a.kb.ReadFileChunks(ctx, kbID, refs)
	}
	ts.executors[tools.NameKnowledgeFileMeta] = func(ctx context.Context, args map[string]any) (any, error) {
		ids := stringSliceArg(args, "file_ids")
		if len(ids) == 0 {
			return nil, errors.New("missing file_ids")
		}
		metas, err := a.kb.GetFilesMeta(ctx, kbID, ids)
		if err != nil {
			return nil, err
		}
		return map[string]any{"files": metas}, nil
	}

	return block, true
}

func (a *assembler) addFileTools(ts *ToolSet, attachments []Attachment) string {
	var manifest strings.Builder
	byKey := make(map[string]Attachment, len(attachments))
	for _, att := range attachments {
		key := strings.TrimSpace(att.StorageKey)
		if key == "" {
			continue
		}
		byKey[key] = att
		fmt.Fprintf(&manifest, "- %s (key: %s)\n", strings.TrimSpace(att.Name), key)
	}

	block := strings.Join([]string{
		"## Attached files",
		"The user attached files to this conversation. Use read_attachment with a storage key to read one.",
		"Attachments:",
		strings.TrimSpace(manifest.String()),
	}, "\n")

	ts.Defs = append(ts.Defs, ToolDef{
		Name:        tools.NameReadAttachment,
		Description: "Read the text content of an attached file by its storage key.",
		InputSchema: objectSchema(map[string]any{
			"storage_key": map[string]any{"type": "string", "description": "Storage key from the attachment manifest"},
		}, []string{"storage_key"}),
	})

	ts.executors[tools.NameReadAttachment] = func(ctx context.Context, args map[string]any) (any, error) {
		key, _ := args["storage_key"].(string)
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.New("missing storage_key")
		}
		if _, ok := byKey[key]; !ok {
			return nil, fmt.Errorf("storage key %q is not attached to this conversation", key)
		}
		content, ok, err := a.blobs.Get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("attachment %q not found", key)
		}
		result := map[string]any{"storage_key": key, "content": truncateRunes(content, 40_000)}
		if meta, ok, err := a.blobs.Stat(key); err == nil && ok {
			result["name"] = meta.Name
			result["mime_type"] = meta.MimeType
			result["size"] = meta.Size
		}
		return result, nil
	}

	return block
}

func (a *assembler) addWebTools(ts *ToolSet) string {
	block := strings.Join([]string{
		"## Web browsing",
		"Use web_search to look up current information on the web, and parse_link to fetch",
		"and read the content of a specific URL.",
	}, "\n")

	ts.Defs = append(ts.Defs,
		ToolDef{
			Name:        tools.NameWebSearch,
			Description: "Search the web and return titles, URLs and snippets.",
			InputSchema: objectSchema(map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query"},
			}, []string{"query"}),
		},
		ToolDef{
			Name:        tools.NameParseLink,
			Description: "Fetch a URL, store its content, and return the page title plus a storage key.",
			InputSchema: objectSchema(map[string]any{
				"url": map[string]any{"type": "string", "description": "Absolute http(s) URL"},
			}, []string{"url"}),
		},
	)

	ts.executors[tools.NameWebSearch] = func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		return a.web.Search(ctx, websearch.SearchRequest{Query: query})
	}
	ts.executors[tools.NameParseLink] = func(ctx context.Context, args map[string]any) (any, error) {
		if a.links == nil {
			return nil, errors.New("link parsing is not available")
		}
		rawURL, _ := args["url"].(string)
		return a.links.Parse(ctx, rawURL)
	}

	return block
}

func (a *assembler) addMCPTools(ts *ToolSet) {
	if a.mcp == nil {
		return
	}
	for _, info := range a.mcp.Tools() {
		server := info.Server
		tool := info.Name
		name := server + "__" + tool
		schema := info.InputSchema
		if len(schema) == 0 {
			schema = objectSchema(map[string]any{}, nil)
		}
		ts.Defs = append(ts.Defs, ToolDef{
			Name:        name,
			Description: info.Description,
			InputSchema: schema,
		})
		ts.executors[name] = func(ctx context.Context, args map[string]any) (any, error) {
			output, isError, err := a.mcp.CallTool(ctx, server, tool, args)
			if err != nil {
				return nil, err
			}
			if isError {
				return nil, errors.New(strings.TrimSpace(output))
			}
			return map[string]any{"output": output}, nil
		}
	}
}

func objectSchema(properties map[string]any, required []string) json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return raw
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func stringSliceArg(args map[string]any, key string) []string {
	items, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, _ := item.(string)
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseChunkRefs(raw any) ([]knowledge.ChunkRef, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, errors.New("missing chunks")
	}
	out := make([]knowledge.ChunkRef, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, errors.New("invalid chunk reference")
		}
		fileID, _ := obj["file_id"].(string)
		if strings.TrimSpace(fileID) == "" {
			return nil, errors.New("chunk reference missing file_id")
		}
		out = append(out, knowledge.ChunkRef{FileID: strings.TrimSpace(fileID), Seq: intArg(obj, "seq", 0)})
	}
	return out, nil
}
