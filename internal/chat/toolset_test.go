package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ffinly/chatcore/internal/blob"
	"github.com/ffinly/chatcore/internal/chat/tools"
	"github.com/ffinly/chatcore/internal/knowledge"
	"github.com/ffinly/chatcore/internal/mcp"
)

func defNames(ts ToolSet) []string {
	names := make([]string, 0, len(ts.Defs))
	for _, d := range ts.Defs {
		names = append(names, d.Name)
	}
	return names
}

func TestAssembleFixedOrder(t *testing.T) {
	t.Parallel()
	kb := &fakeKnowledge{files: []knowledge.FileMeta{{FileID: "f1", Filename: "guide.md", Title: "Guide", ChunkCount: 3}}}
	web := &fakeWebSearcher{}
	blobs := &fakeBlobs{data: map[string]string{"blob_a": "content"}}
	asm := assembler{logger: testLogger(), kb: kb, web: web, blobs: blobs}

	ts := asm.assemble(context.Background(), assembleInput{
		Model:           &fakeModel{toolUse: []string{"*"}},
		KnowledgeBaseID: "kb_1",
		WebBrowsing:     true,
		Attachments:     []Attachment{{Name: "notes.txt", StorageKey: "blob_a"}},
	})

	want := []string{
		tools.NameKnowledgeSearch,
		tools.NameKnowledgeListFiles,
		tools.NameKnowledgeReadChunks,
		tools.NameKnowledgeFileMeta,
		tools.NameReadAttachment,
		tools.NameWebSearch,
		tools.NameParseLink,
	}
	got := defNames(ts)
	if len(got) != len(want) {
		t.Fatalf("defs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("defs = %v, want %v", got, want)
		}
	}
	if !strings.Contains(ts.Instructions, "Guide (f1, 3 chunks)") {
		t.Fatalf("knowledge manifest missing: %s", ts.Instructions)
	}
	if !strings.Contains(ts.Instructions, "notes.txt (key: blob_a)") {
		t.Fatalf("attachment manifest missing: %s", ts.Instructions)
	}
}

func TestAssembleSkipsUnsupportedFeatures(t *testing.T) {
	t.Parallel()
	kb := &fakeKnowledge{files: []knowledge.FileMeta{{FileID: "f1"}}}
	web := &fakeWebSearcher{}
	asm := assembler{logger: testLogger(), kb: kb, web: web}

	ts := asm.assemble(context.Background(), assembleInput{
		Model:           &fakeModel{toolUse: []string{tools.FeatureWebBrowsing}},
		KnowledgeBaseID: "kb_1",
		WebBrowsing:     true,
	})
	for _, d := range ts.Defs {
		if strings.HasPrefix(d.Name, "kb_") {
			t.Fatalf("knowledge tool offered to unsupported model: %v", defNames(ts))
		}
	}
	if !ts.Has(tools.NameWebSearch) {
		t.Fatalf("web tool missing: %v", defNames(ts))
	}
}

func TestAssembleKnowledgeManifestFailureDegrades(t *testing.T) {
	t.Parallel()
	kb := &fakeKnowledge{listErr: errors.New("index locked")}
	asm := assembler{logger: testLogger(), kb: kb}

	ts := asm.assemble(context.Background(), assembleInput{
		Model:           &fakeModel{toolUse: []string{"*"}},
		KnowledgeBaseID: "kb_1",
	})
	if len(ts.Defs) != 0 {
		t.Fatalf("degraded turn must offer no knowledge tools: %v", defNames(ts))
	}
	if ts.Instructions != "" {
		t.Fatalf("degraded turn must not mention the knowledge base: %s", ts.Instructions)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()
	ts := ToolSet{executors: map[string]toolExecutor{}}
	env := ts.Execute(context.Background(), ToolCall{ID: "call_1", Name: "bogus"})
	if env.Status != tools.ResultStatusError || env.Error == nil || env.Error.Code != tools.ErrorCodeNotFound {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.ToolID != "call_1" {
		t.Fatalf("tool id = %q", env.ToolID)
	}
}

func TestExecuteErrorMapping(t *testing.T) {
	t.Parallel()
	ts := ToolSet{executors: map[string]toolExecutor{
		"canceled": func(ctx context.Context, args map[string]any) (any, error) {
			return nil, context.Canceled
		},
		"timeout": func(ctx context.Context, args map[string]any) (any, error) {
			return nil, context.DeadlineExceeded
		},
		"boom": func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("backend exploded")
		},
	}}

	if env := ts.Execute(context.Background(), ToolCall{ID: "c1", Name: "canceled"}); env.Error.Code != tools.ErrorCodeCanceled {
		t.Fatalf("code = %v, want canceled", env.Error.Code)
	}
	if env := ts.Execute(context.Background(), ToolCall{ID: "c2", Name: "timeout"}); env.Error.Code != tools.ErrorCodeTimeout {
		t.Fatalf("code = %v, want timeout", env.Error.Code)
	}
	if env := ts.Execute(context.Background(), ToolCall{ID: "c3", Name: "boom"}); env.Error.Code != tools.ErrorCodeUnknown {
		t.Fatalf("code = %v, want unknown", env.Error.Code)
	}
}

func TestReadAttachmentAllowlist(t *testing.T) {
	t.Parallel()
	blobs := &fakeBlobs{data: map[string]string{
		"blob_attached": "file content",
		"blob_other":    "secret",
	}}
	asm := assembler{logger: testLogger(), blobs: blobs}
	ts := asm.assemble(context.Background(), assembleInput{
		Model:       &fakeModel{toolUse: []string{"*"}},
		Attachments: []Attachment{{Name: "a.txt", StorageKey: "blob_attached"}},
	})

	env := ts.Execute(context.Background(), ToolCall{ID: "c1", Name: tools.NameReadAttachment, Args: map[string]any{"storage_key": "blob_attached"}})
	if env.Status != tools.ResultStatusSuccess {
		t.Fatalf("attached read failed: %+v", env)
	}

	env = ts.Execute(context.Background(), ToolCall{ID: "c2", Name: tools.NameReadAttachment, Args: map[string]any{"storage_key": "blob_other"}})
	if env.Status != tools.ResultStatusError {
		t.Fatalf("unattached key must be rejected: %+v", env)
	}
}

func TestKnowledgeFileMetaTool(t *testing.T) {
	t.Parallel()
	kb := &fakeKnowledge{files: []knowledge.FileMeta{{FileID: "f1", Filename: "guide.md", Title: "Guide", ChunkCount: 3}}}
	asm := assembler{logger: testLogger(), kb: kb}
	ts := asm.assemble(context.Background(), assembleInput{
		Model:           &fakeModel{toolUse: []string{"*"}},
		KnowledgeBaseID: "kb_1",
	})

	env := ts.Execute(context.Background(), ToolCall{ID: "c1", Name: tools.NameKnowledgeFileMeta, Args: map[string]any{"file_ids": []any{"f1"}}})
	if env.Status != tools.ResultStatusSuccess {
		t.Fatalf("file meta lookup failed: %+v", env)
	}
	result, ok := env.Result.(map[string]any)
	if !ok {
		t.Fatalf("result = %T", env.Result)
	}
	metas, ok := result["files"].([]knowledge.FileMeta)
	if !ok || len(metas) != 1 || metas[0].FileID != "f1" {
		t.Fatalf("files = %+v", result["files"])
	}

	env = ts.Execute(context.Background(), ToolCall{ID: "c2", Name: tools.NameKnowledgeFileMeta, Args: map[string]any{}})
	if env.Status != tools.ResultStatusError {
		t.Fatalf("missing file_ids must fail: %+v", env)
	}
}

func TestReadAttachmentIncludesMetadata(t *testing.T) {
	t.Parallel()
	blobs := &fakeBlobs{
		data: map[string]string{"blob_a": "file content"},
		meta: map[string]blob.Meta{"blob_a": {Key: "blob_a", Name: "a.txt", Size: 12, MimeType: "text/plain"}},
	}
	asm := assembler{logger: testLogger(), blobs: blobs}
	ts := asm.assemble(context.Background(), assembleInput{
		Model:       &fakeModel{toolUse: []string{"*"}},
		Attachments: []Attachment{{Name: "a.txt", StorageKey: "blob_a"}},
	})

	env := ts.Execute(context.Background(), ToolCall{ID: "c1", Name: tools.NameReadAttachment, Args: map[string]any{"storage_key": "blob_a"}})
	if env.Status != tools.ResultStatusSuccess {
		t.Fatalf("read failed: %+v", env)
	}
	result, ok := env.Result.(map[string]any)
	if !ok {
		t.Fatalf("result = %T", env.Result)
	}
	if result["name"] != "a.txt" || result["mime_type"] != "text/plain" || result["size"] != int64(12) {
		t.Fatalf("metadata = %+v", result)
	}
}

type fakeMCP struct {
	tools  []mcp.ToolInfo
	output string
	isErr  bool
	err    error
}

func (f *fakeMCP) Tools() []mcp.ToolInfo { return f.tools }

func (f *fakeMCP) CallTool(ctx context.Context, serverName string, toolName string, args map[string]any) (string, bool, error) {
	return f.output, f.isErr, f.err
}

func TestAssembleMCPTools(t *testing.T) {
	t.Parallel()
	m := &fakeMCP{
		tools:  []mcp.ToolInfo{{Server: "files", Name: "list", Description: "List files"}},
		output: "ok",
	}
	asm := assembler{logger: testLogger(), mcp: m}
	ts := asm.assemble(context.Background(), assembleInput{Model: &fakeModel{}})

	if !ts.Has("files__list") {
		t.Fatalf("mcp tool not registered: %v", defNames(ts))
	}
	env := ts.Execute(context.Background(), ToolCall{ID: "c1", Name: "files__list"})
	if env.Status != tools.ResultStatusSuccess {
		t.Fatalf("mcp call failed: %+v", env)
	}
}

func TestParseChunkRefs(t *testing.T) {
	t.Parallel()
	refs, err := parseChunkRefs([]any{
		map[string]any{"file_id": "f1", "seq": float64(2)},
		map[string]any{"file_id": "f2"},
	})
	if err != nil {
		t.Fatalf("parseChunkRefs: %v", err)
	}
	if len(refs) != 2 || refs[0] != (knowledge.ChunkRef{FileID: "f1", Seq: 2}) || refs[1].Seq != 0 {
		t.Fatalf("unexpected refs: %+v", refs)
	}
	if _, err := parseChunkRefs(nil); err == nil {
		t.Fatalf("expected error for missing chunks")
	}
	if _, err := parseChunkRefs([]any{map[string]any{"seq": 1}}); err == nil {
		t.Fatalf("expected error for missing file_id")
	}
}
