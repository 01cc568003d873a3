package sessionstore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, Session{SessionID: "sess_1", ModelID: "openai/gpt-4o"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := s.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got == nil || got.ModelID != "openai/gpt-4o" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.CreatedAtUnixMs <= 0 || got.UpdatedAtUnixMs <= 0 {
		t.Fatalf("timestamps not defaulted: %+v", got)
	}

	missing, err := s.GetSession(ctx, "sess_absent")
	if err != nil {
		t.Fatalf("get missing session: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing session")
	}
}

func TestAppendMessageSetsTitleAndPreview(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, Session{SessionID: "sess_1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := s.AppendMessage(ctx, "sess_1", Message{
		MessageID:   "msg_1",
		Role:        "user",
		TextContent: "how do I cancel a context\nin Go?",
		MessageJSON: `{"role":"user"}`,
	}); err != nil {
		t.Fatalf("append message: %v", err)
	}

	sess, err := s.GetSession(ctx, "sess_1")
	if err != nil || sess == nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Title != "how do I cancel a context in Go?" {
		t.Fatalf("unexpected title: %q", sess.Title)
	}
	if sess.LastMessagePreview == "" || sess.LastMessageAtUnixMs <= 0 {
		t.Fatalf("preview not updated: %+v", sess)
	}

	// A later assistant message must not overwrite the title.
	if _, err := s.AppendMessage(ctx, "sess_1", Message{
		MessageID:   "msg_2",
		Role:        "assistant",
		TextContent: "Use context.WithCancel.",
		MessageJSON: `{"role":"assistant"}`,
	}); err != nil {
		t.Fatalf("append assistant message: %v", err)
	}
	sess, _ = s.GetSession(ctx, "sess_1")
	if sess.Title != "how do I cancel a context in Go?" {
		t.Fatalf("title overwritten: %q", sess.Title)
	}
}

func TestAppendMessageUnknownSession(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.AppendMessage(context.Background(), "sess_nope", Message{
		MessageID: "msg_1", Role: "user", MessageJSON: `{}`,
	})
	if err == nil {
		t.Fatalf("expected error for unknown session")
	}
}

func TestListMessagesOrder(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, Session{SessionID: "sess_1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, id := range []string{"msg_a", "msg_b", "msg_c"} {
		if _, err := s.AppendMessage(ctx, "sess_1", Message{
			MessageID: id, Role: "user", TextContent: id, MessageJSON: `{}`,
		}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	msgs, err := s.ListMessages(ctx, "sess_1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"msg_a", "msg_b", "msg_c"} {
		if msgs[i].MessageID != want {
			t.Fatalf("message %d: got %q want %q", i, msgs[i].MessageID, want)
		}
	}
}

func TestCommitCompaction(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, Session{SessionID: "sess_1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	var ids []int64
	for _, id := range []string{"msg_1", "msg_2", "msg_3", "msg_4"} {
		rowID, err := s.AppendMessage(ctx, "sess_1", Message{
			MessageID: id, Role: "user", TextContent: id, MessageJSON: `{}`,
		})
		if err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
		ids = append(ids, rowID)
	}

	summary := Message{
		MessageID:   "msg_summary",
		Role:        "info",
		TextContent: "summary of earlier conversation",
		MessageJSON: `{"role":"info"}`,
	}
	if err := s.CommitCompaction(ctx, "sess_1", ids[2], summary); err != nil {
		t.Fatalf("commit compaction: %v", err)
	}

	msgs, err := s.ListMessages(ctx, "sess_1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected summary plus one survivor, got %d messages", len(msgs))
	}
	if msgs[0].MessageID != "msg_summary" || msgs[0].Role != "info" {
		t.Fatalf("summary not first: %+v", msgs[0])
	}
	if msgs[1].MessageID != "msg_4" {
		t.Fatalf("survivor lost: %+v", msgs[1])
	}
}

func TestCommitCompactionEmptyRange(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, Session{SessionID: "sess_1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	err := s.CommitCompaction(ctx, "sess_1", 10, Message{
		MessageID: "msg_summary", Role: "info", MessageJSON: `{}`,
	})
	if err == nil {
		t.Fatalf("expected error when nothing to compact")
	}
}

func TestDeleteSessionRemovesMessages(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, Session{SessionID: "sess_1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "sess_1", Message{
		MessageID: "msg_1", Role: "user", MessageJSON: `{}`,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.DeleteSession(ctx, "sess_1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	msgs, err := s.ListMessages(ctx, "sess_1")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages survived delete: %d", len(msgs))
	}
}

func TestListSessionsRecentFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, Session{SessionID: "sess_old", CreatedAtUnixMs: 1000, UpdatedAtUnixMs: 1000}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateSession(ctx, Session{SessionID: "sess_new", CreatedAtUnixMs: 2000, UpdatedAtUnixMs: 2000}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].SessionID != "sess_new" {
		t.Fatalf("unexpected order: %+v", sessions)
	}
}
