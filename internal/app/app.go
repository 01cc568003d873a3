// Package app wires the configured collaborators into a running chat
// client: stores, provider models, the turn orchestrator, and the
// compaction tracker, fronted by an interactive prompt loop.
package app

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ffinly/chatcore/internal/blob"
	"github.com/ffinly/chatcore/internal/chat"
	"github.com/ffinly/chatcore/internal/config"
	"github.com/ffinly/chatcore/internal/knowledge"
	"github.com/ffinly/chatcore/internal/lockfile"
	"github.com/ffinly/chatcore/internal/mcp"
	"github.com/ffinly/chatcore/internal/ocr"
	"github.com/ffinly/chatcore/internal/sessionstore"
	"github.com/ffinly/chatcore/internal/websearch"
)

// defaultKBID names the single local knowledge base built from the
// configured docs directory.
const defaultKBID = "default"

type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string

	// Input/Output default to stdin/stdout.
	Input  io.Reader
	Output io.Writer
}

type App struct {
	logger  *slog.Logger
	cfg     *config.Config
	version string

	in  io.Reader
	out io.Writer

	lock     *lockfile.Lock
	sessions *sessionstore.Store
	blobs    *blob.Store
	kb       *knowledge.Store
	web      *websearch.Client
	links    *websearch.LinkParser
	mcp      *mcp.Manager
	ocr      *ocr.Client

	orchestrator *chat.Orchestrator
	compactor    *chat.Compactor

	mu     sync.Mutex
	models map[string]chat.Model
}

func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	in := opts.Input
	if in == nil {
		in = os.Stdin
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	dataDir := opts.Config.EffectiveDataDir()

	lock, err := lockfile.AcquireDir(dataDir)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return nil, fmt.Errorf("data dir %s is in use by another chatcore process", dataDir)
		}
		return nil, fmt.Errorf("lock data dir: %w", err)
	}

	sessions, err := sessionstore.Open(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("open session store: %w", err)
	}
	blobs, err := blob.Open(filepath.Join(dataDir, "blobs"))
	if err != nil {
		_ = sessions.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	kb, err := knowledge.Open(filepath.Join(dataDir, "knowledge.db"))
	if err != nil {
		_ = sessions.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}

	a := &App{
		lock:     lock,
		logger:   logger,
		cfg:      opts.Config,
		version:  opts.Version,
		in:       in,
		out:      out,
		sessions: sessions,
		blobs:    blobs,
		kb:       kb,
		web:      websearch.NewClient(opts.Config),
		links:    websearch.NewLinkParser(blobs),
		mcp:      mcp.NewManager(logger, opts.Config.MCPServers),
		models:   make(map[string]chat.Model),
	}
	a.ocr = ocr.NewClient(opts.Config, a.invokeModel)

	orchOpts := chat.OrchestratorOptions{
		Logger:     logger,
		Knowledge:  kb,
		LinkParser: a.links,
		Blobs:      blobs,
		BlobSink:   blobs,
		MCP:        a.mcp,
		OCR:        a.ocr,
	}
	if a.web.Enabled() {
		orchOpts.WebSearch = a.web
	}
	a.orchestrator = chat.NewOrchestrator(orchOpts)
	a.compactor = chat.NewCompactor(logger, sessions)
	return a, nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.mcp != nil {
		a.mcp.Close()
	}
	if a.kb != nil {
		_ = a.kb.Close()
	}
	if a.sessions != nil {
		_ = a.sessions.Close()
	}
	if a.lock != nil {
		_ = a.lock.Release()
	}
}

// model resolves a model wire id against the provider registry, caching
// adapter instances.
func (a *App) model(modelID string) (chat.Model, error) {
	modelID = strings.TrimSpace(modelID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.models[modelID]; ok {
		return m, nil
	}
	provider, entry, ok := a.cfg.LookupModel(modelID)
	if !ok {
		return nil, fmt.Errorf("model %q is not in the provider registry", modelID)
	}
	m, err := chat.NewModel(provider, entry)
	if err != nil {
		return nil, err
	}
	a.models[modelID] = m
	return m, nil
}

// invokeModel backs the OCR client's model path: one single-shot vision
// call with the raw image inlined as a data URL.
func (a *App) invokeModel(ctx context.Context, modelID string, prompt string, imageData []byte, mimeType string) (string, error) {
	m, err := a.model(modelID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "image/png"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(imageData)
	msgs := []chat.Message{{Role: chat.RoleUser, Parts: []chat.ContentPart{
		{Type: chat.PartText, Text: prompt},
		{Type: chat.PartImage, MimeType: mimeType, DataURL: dataURL},
	}}}
	result, err := m.StreamChat(ctx, chat.ChatRequest{Messages: msgs, MaxOutputTokens: 2048}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Text), nil
}

// Run ingests the configured knowledge base, connects MCP servers, and
// enters the interactive prompt loop until EOF, /quit, or ctx cancellation.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.KnowledgeBase != nil && strings.TrimSpace(a.cfg.KnowledgeBase.DocsDir) != "" {
		n, err := a.kb.IngestDir(ctx, defaultKBID, a.cfg.KnowledgeBase.DocsDir)
		if err != nil {
			a.logger.Warn("knowledge base ingestion failed", "dir", a.cfg.KnowledgeBase.DocsDir, "error", err.Error())
		} else {
			a.logger.Info("knowledge base ready", "documents", n)
		}
	}
	a.mcp.ConnectAll(ctx)

	modelID, ok := a.cfg.DefaultModelID()
	if !ok {
		return errors.New("config declares no default model")
	}

	sess := &replSession{
		app:     a,
		modelID: modelID,
	}
	if err := sess.startNew(ctx); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "chatcore %s (model %s). Type /help for commands.\n", a.version, modelID)

	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(a.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := sess.command(ctx, line)
			if err != nil {
				fmt.Fprintf(a.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := sess.turn(ctx, line); err != nil {
			fmt.Fprintf(a.out, "error: %v\n", err)
		}
	}
}

// replSession is the mutable state of the interactive loop: the active
// session row plus per-turn toggles.
type replSession struct {
	app *App

	sessionID string
	modelID   string

	webBrowsing  bool
	useKnowledge bool
	attachments  []chat.Attachment
}

func (s *replSession) startNew(ctx context.Context) error {
	id := "sess_" + uuid.NewString()
	if err := s.app.sessions.CreateSession(ctx, sessionstore.Session{SessionID: id, ModelID: s.modelID}); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	s.sessionID = id
	return nil
}

func (s *replSession) command(ctx context.Context, line string) (quit bool, err error) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	out := s.app.out

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprint(out, `Commands:
  /new                start a new session
  /sessions           list recent sessions
  /open <id>          switch to an existing session
  /rename <title>     rename the current session
  /delete <id>        delete a session
  /model <id>         switch model (<provider_id>/<model_name>)
  /web on|off         toggle web browsing for following turns
  /kb on|off          toggle knowledge base for following turns
  /attach <path>      attach a file to the next turn
  /paint <prompt>     generate an image with the current model
  /compact            compact this session's history
  /retry              retry a failed compaction
  /dismiss            dismiss a failed compaction
  /quit               exit
`)
		return false, nil
	case "/new":
		return false, s.startNew(ctx)
	case "/sessions":
		sessions, err := s.app.sessions.ListSessions(ctx, 20)
		if err != nil {
			return false, err
		}
		for _, row := range sessions {
			title := row.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(out, "%s  %s  %s\n", row.SessionID, title, row.LastMessagePreview)
		}
		return false, nil
	case "/open":
		if rest == "" {
			return false, errors.New("usage: /open <session id>")
		}
		row, err := s.app.sessions.GetSession(ctx, rest)
		if err != nil {
			return false, err
		}
		if row == nil {
			return false, fmt.Errorf("session %q not found", rest)
		}
		s.sessionID = row.SessionID
		if row.ModelID != "" {
			s.modelID = row.ModelID
		}
		fmt.Fprintf(out, "switched to %s (model %s)\n", s.sessionID, s.modelID)
		return false, nil
	case "/rename":
		if rest == "" {
			return false, errors.New("usage: /rename <title>")
		}
		return false, s.app.sessions.RenameSession(ctx, s.sessionID, rest)
	case "/delete":
		if rest == "" {
			return false, errors.New("usage: /delete <session id>")
		}
		if err := s.app.sessions.DeleteSession(ctx, rest); err != nil {
			return false, err
		}
		if rest == s.sessionID {
			return false, s.startNew(ctx)
		}
		return false, nil
	case "/model":
		if rest == "" {
			fmt.Fprintf(out, "current model: %s\n", s.modelID)
			return false, nil
		}
		if _, err := s.app.model(rest); err != nil {
			return false, err
		}
		s.modelID = rest
		return false, s.app.sessions.UpdateSessionModelID(ctx, s.sessionID, rest)
	case "/web":
		s.webBrowsing = rest == "on"
		fmt.Fprintf(out, "web browsing %s\n", onOff(s.webBrowsing))
		return false, nil
	case "/kb":
		s.useKnowledge = rest == "on"
		fmt.Fprintf(out, "knowledge base %s\n", onOff(s.useKnowledge))
		return false, nil
	case "/attach":
		return false, s.attach(rest)
	case "/paint":
		return false, s.paint(ctx, rest)
	case "/compact":
		return false, s.compact(ctx, false)
	case "/retry":
		return false, s.compact(ctx, true)
	case "/dismiss":
		s.app.compactor.Dismiss(s.sessionID)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func (s *replSession) attach(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("usage: /attach <path>")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	meta, err := s.app.blobs.Save(f, filepath.Base(path), "text/plain")
	if err != nil {
		return fmt.Errorf("store attachment: %w", err)
	}
	s.attachments = append(s.attachments, chat.Attachment{Name: filepath.Base(path), StorageKey: meta.Key})
	fmt.Fprintf(s.app.out, "attached %s (%s)\n", filepath.Base(path), meta.Key)
	return nil
}

// turn runs one user message through the orchestrator, streaming text to
// the output as it arrives, and persists both sides of the exchange.
func (s *replSession) turn(ctx context.Context, text string) error {
	model, err := s.app.model(s.modelID)
	if err != nil {
		return err
	}

	history, err := s.loadHistory(ctx)
	if err != nil {
		return err
	}
	userMsg := chat.Message{Role: chat.RoleUser, Parts: []chat.ContentPart{{Type: chat.PartText, Text: text}}}
	if err := s.persist(ctx, userMsg); err != nil {
		return err
	}
	history = append(history, userMsg)

	kbID := ""
	if s.useKnowledge {
		kbID = defaultKBID
	}

	printed := 0
	out, err := s.app.orchestrator.RunTurn(ctx, chat.TurnInput{
		Model:           model,
		Messages:        history,
		KnowledgeBaseID: kbID,
		WebBrowsing:     s.webBrowsing,
		Attachments:     s.attachments,
		OnResultChange: func(u chat.ResultUpdate) {
			flat := flattenText(u.Parts)
			if len(flat) > printed {
				fmt.Fprint(s.app.out, flat[printed:])
				printed = len(flat)
			}
		},
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(s.app.out)
	s.attachments = nil

	if len(out.Parts) > 0 {
		assistant := chat.Message{Role: chat.RoleAssistant, Parts: out.Parts}
		if err := s.persist(ctx, assistant); err != nil {
			return err
		}
	}
	if out.Cancelled {
		fmt.Fprintln(s.app.out, "(turn cancelled)")
	}
	return nil
}

func (s *replSession) paint(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return errors.New("usage: /paint <prompt>")
	}
	model, err := s.app.model(s.modelID)
	if err != nil {
		return err
	}
	out, err := s.app.orchestrator.PaintTurn(ctx, chat.PaintInput{Model: model, Prompt: prompt})
	if err != nil {
		return err
	}
	for _, p := range out.Parts {
		fmt.Fprintf(s.app.out, "generated image stored: %s\n", p.StorageKey)
	}
	return s.persist(ctx, chat.Message{Role: chat.RoleAssistant, Parts: out.Parts})
}

func (s *replSession) compact(ctx context.Context, retry bool) error {
	model, err := s.app.model(s.modelID)
	if err != nil {
		return err
	}
	if retry {
		err = s.app.compactor.Retry(ctx, s.sessionID, model)
	} else {
		err = s.app.compactor.Start(ctx, s.sessionID, model)
	}
	if err != nil {
		return err
	}

	printed := 0
	for {
		state := s.app.compactor.State(s.sessionID)
		if len(state.StreamingText) > printed {
			fmt.Fprint(s.app.out, state.StreamingText[printed:])
			printed = len(state.StreamingText)
		}
		if state.Status != chat.CompactionRunning {
			fmt.Fprintln(s.app.out)
			if state.Status == chat.CompactionFailed {
				return fmt.Errorf("compaction failed: %s", state.Err)
			}
			fmt.Fprintln(s.app.out, "history compacted")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *replSession) loadHistory(ctx context.Context) ([]chat.Message, error) {
	rows, err := s.app.sessions.ListMessages(ctx, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		var m chat.Message
		if err := json.Unmarshal([]byte(row.MessageJSON), &m); err != nil {
			s.app.logger.Warn("skipping undecodable message", "message_id", row.MessageID, "error", err.Error())
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *replSession) persist(ctx context.Context, m chat.Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.app.sessions.AppendMessage(ctx, s.sessionID, sessionstore.Message{
		MessageID:   "msg_" + uuid.NewString(),
		Role:        m.Role,
		TextContent: m.Text(),
		MessageJSON: string(raw),
	})
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	return nil
}

func flattenText(parts []chat.ContentPart) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == chat.PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
