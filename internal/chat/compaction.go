package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ffinly/chatcore/internal/sessionstore"
)

type CompactionStatus string

const (
	CompactionIdle    CompactionStatus = "idle"
	CompactionRunning CompactionStatus = "running"
	CompactionFailed  CompactionStatus = "failed"
)

// CompactionState is the UI-facing view of one session's compaction.
type CompactionState struct {
	Status        CompactionStatus `json:"status"`
	Err           string           `json:"error,omitempty"`
	StreamingText string           `json:"streaming_text,omitempty"`
}

// compactKeepRecent is how many trailing messages survive a compaction.
const compactKeepRecent = 4

// SessionHistory is the slice of the session store the compactor needs.
type SessionHistory interface {
	ListMessages(ctx context.Context, sessionID string) ([]sessionstore.Message, error)
	CommitCompaction(ctx context.Context, sessionID string, upToID int64, summary sessionstore.Message) error
}

// Compactor tracks the lifecycle of background context compaction per
// session. At most one compaction runs per session at a time; the state
// machine reflects transient progress and errors, never the outcome, which
// is committed to the session history.
type Compactor struct {
	logger  *slog.Logger
	history SessionHistory

	mu      sync.Mutex
	entries map[string]*compactionEntry
}

type compactionEntry struct {
	state CompactionState
	done  chan struct{}
}

func NewCompactor(logger *slog.Logger, history SessionHistory) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		logger:  logger,
		history: history,
		entries: make(map[string]*compactionEntry),
	}
}

// State returns the current compaction state for a session, idle when the
// session has never been compacted.
func (c *Compactor) State(sessionID string) CompactionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sessionID]
	if !ok {
		return CompactionState{Status: CompactionIdle}
	}
	return entry.state
}

// Start begins a background compaction for the session. A second Start while
// one is running returns ErrCompactionRunning. Starting clears any previous
// error and streamed text.
func (c *Compactor) Start(ctx context.Context, sessionID string, model Model) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session id")
	}
	if model == nil {
		return errors.New("missing model")
	}
	if c.history == nil {
		return errors.New("session history is not configured")
	}

	c.mu.Lock()
	entry, ok := c.entries[sessionID]
	if !ok {
		entry = &compactionEntry{state: CompactionState{Status: CompactionIdle}}
		c.entries[sessionID] = entry
	}
	if entry.state.Status == CompactionRunning {
		c.mu.Unlock()
		return ErrCompactionRunning
	}
	entry.state = CompactionState{Status: CompactionRunning}
	entry.done = make(chan struct{})
	done := entry.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		if err := c.compact(ctx, sessionID, model); err != nil {
			c.logger.Warn("compaction failed", "session_id", sessionID, "error", err.Error())
			c.fail(sessionID, err)
			return
		}
		c.logger.Info("compaction committed", "session_id", sessionID)
		c.reset(sessionID)
	}()
	return nil
}

// Retry re-runs the compaction after a failure. It is the same transition as
// Start: failed -> running, error cleared.
func (c *Compactor) Retry(ctx context.Context, sessionID string, model Model) error {
	return c.Start(ctx, sessionID, model)
}

// Dismiss resets the session's compaction state to idle, discarding error
// and streamed text. It does not abort a running compaction.
func (c *Compactor) Dismiss(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sessionID]
	if !ok {
		return
	}
	if entry.state.Status == CompactionRunning {
		return
	}
	entry.state = CompactionState{Status: CompactionIdle}
}

func (c *Compactor) appendProgress(sessionID string, delta string) {
	if delta == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sessionID]
	if !ok || entry.state.Status != CompactionRunning {
		return
	}
	entry.state.StreamingText += delta
}

func (c *Compactor) fail(sessionID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sessionID]
	if !ok {
		return
	}
	entry.state.Status = CompactionFailed
	entry.state.Err = err.Error()
}

func (c *Compactor) reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sessionID]
	if !ok {
		return
	}
	entry.state = CompactionState{Status: CompactionIdle}
}

// doneCh returns the completion channel of the most recent compaction run.
func (c *Compactor) doneCh(sessionID string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sessionID]
	if !ok || entry.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return entry.done
}

func (c *Compactor) compact(ctx context.Context, sessionID string, model Model) error {
	history, err := c.history.ListMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session history: %w", err)
	}
	if len(history) <= compactKeepRecent+1 {
		return ErrNothingToCompact
	}

	boundary := len(history) - compactKeepRecent
	toCompact := history[:boundary]
	upToID := toCompact[len(toCompact)-1].ID

	summaryText, err := c.summarize(ctx, sessionID, model, toCompact)
	if err != nil {
		return fmt.Errorf("summarize history: %w", err)
	}
	if strings.TrimSpace(summaryText) == "" {
		return errors.New("empty compaction summary")
	}

	infoMsg := Message{Role: RoleAssistant, Parts: []ContentPart{{
		Type: PartInfo,
		Text: summaryText,
	}}}
	msgJSON, err := json.Marshal(infoMsg)
	if err != nil {
		return err
	}

	summary := sessionstore.Message{
		MessageID:   "msg_" + uuid.NewString(),
		Role:        "info",
		TextContent: summaryText,
		MessageJSON: string(msgJSON),
	}
	if err := c.history.CommitCompaction(ctx, sessionID, upToID, summary); err != nil {
		return fmt.Errorf("commit compaction: %w", err)
	}
	return nil
}

func (c *Compactor) summarize(ctx context.Context, sessionID string, model Model, history []sessionstore.Message) (string, error) {
	var convo strings.Builder
	for _, m := range history {
		text := strings.TrimSpace(m.TextContent)
		if text == "" {
			continue
		}
		fmt.Fprintf(&convo, "%s: %s\n", m.Role, truncateRunes(text, 600))
	}
	if convo.Len() == 0 {
		return "", errors.New("no text content to summarize")
	}

	system := strings.Join([]string{
		"Summarize the conversation below so it can replace the original messages as context.",
		"Preserve decisions, facts, constraints, names, and any unresolved questions.",
		"Write a compact summary in plain prose. Do not add commentary.",
	}, "\n")

	msgs := []Message{
		{Role: RoleSystem, Parts: []ContentPart{{Type: PartText, Text: system}}},
		{Role: RoleUser, Parts: []ContentPart{{Type: PartText, Text: convo.String()}}},
	}

	result, err := model.StreamChat(ctx, ChatRequest{Messages: msgs, MaxOutputTokens: 1024}, func(ev StreamEvent) {
		if ev.Type == StreamEventTextDelta {
			c.appendProgress(sessionID, ev.Text)
		}
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Text), nil
}
