package chat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ffinly/chatcore/internal/blob"
	"github.com/ffinly/chatcore/internal/chat/tools"
	"github.com/ffinly/chatcore/internal/ocr"
)

// Turn states reported through OnStatusChange.
type TurnStatus string

const (
	StatusPreparing TurnStatus = "preparing"
	StatusSearching TurnStatus = "searching"
	StatusStreaming TurnStatus = "streaming"
	StatusDone      TurnStatus = "done"
	StatusCancelled TurnStatus = "cancelled"
	StatusErrored   TurnStatus = "errored"
)

const defaultMaxToolSteps = 16

// OCRClient extracts text from image bytes. Implemented by internal/ocr.
type OCRClient interface {
	Configured() bool
	Recognize(ctx context.Context, imageData []byte, mimeType string) (string, error)
}

// BlobSaver persists generated content (paint turns).
type BlobSaver interface {
	Save(r io.Reader, name string, mimeType string) (blob.Meta, error)
}

// Orchestrator drives a conversation turn through normalization, tool
// assembly, optional fallback search, and the streaming provider call.
type Orchestrator struct {
	logger     *slog.Logger
	kb         KnowledgeController
	web        WebSearcher
	links      LinkParser
	blobs      BlobStore
	blobSink   BlobSaver
	mcp        MCPTools
	ocr        OCRClient
	classifier SearchClassifier

	maxToolSteps int
}

type OrchestratorOptions struct {
	Logger       *slog.Logger
	Knowledge    KnowledgeController
	WebSearch    WebSearcher
	LinkParser   LinkParser
	Blobs        BlobStore
	BlobSink     BlobSaver
	MCP          MCPTools
	OCR          OCRClient
	Classifier   SearchClassifier
	MaxToolSteps int
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = modelSearchClassifier{}
	}
	maxSteps := opts.MaxToolSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxToolSteps
	}
	return &Orchestrator{
		logger:       logger,
		kb:           opts.Knowledge,
		web:          opts.WebSearch,
		links:        opts.LinkParser,
		blobs:        opts.Blobs,
		blobSink:     opts.BlobSink,
		mcp:          opts.MCP,
		ocr:          opts.OCR,
		classifier:   classifier,
		maxToolSteps: maxSteps,
	}
}

// ResultUpdate is published to the caller on every accumulator change.
// Cancel is valid for the whole turn and may be called at any time.
type ResultUpdate struct {
	Parts  []ContentPart
	Cancel context.CancelFunc
}

type TurnInput struct {
	Model    Model
	Messages []Message

	KnowledgeBaseID string
	WebBrowsing     bool
	Attachments     []Attachment

	MaxOutputTokens int
	Temperature     *float64

	OnResultChange func(ResultUpdate)
	OnStatusChange func(TurnStatus)
}

type TurnOutput struct {
	Parts        []ContentPart
	SentMessages []Message
	Usage        Usage
	Cancelled    bool
}

// RunTurn executes one conversation turn. Cancelled turns resolve with the
// partial result and a nil error; every other failure propagates.
func (o *Orchestrator) RunTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	if in.Model == nil {
		return TurnOutput{}, errors.New("missing model")
	}

	ictx, cancel := context.WithCancel(ctx)
	defer cancel()

	acc := newStreamingResult()
	publish := func() {
		if in.OnResultChange != nil {
			in.OnResultChange(ResultUpdate{Parts: acc.Snapshot(), Cancel: cancel})
		}
	}
	setStatus := func(s TurnStatus) {
		if in.OnStatusChange != nil {
			in.OnStatusChange(s)
		}
	}

	// The cancel handle must reach the caller before the first suspension
	// point so the turn can be aborted before any provider byte arrives.
	publish()
	setStatus(StatusPreparing)

	msgs := cloneMessages(in.Messages)

	if needsVisionFallback(in.Model, msgs) {
		if o.ocr == nil || !o.ocr.Configured() {
			setStatus(StatusErrored)
			return TurnOutput{}, fmt.Errorf("turn contains images but model %s has no vision support: %w", in.Model.ModelID(), ocr.ErrNotConfigured)
		}
		if err := o.runOCR(ictx, msgs); err != nil {
			setStatus(StatusErrored)
			return TurnOutput{}, err
		}
	}
	if in.Model.SupportsVision() {
		o.resolveImageData(msgs)
	}

	asm := assembler{logger: o.logger, kb: o.kb, web: o.web, links: o.links, blobs: o.blobs, mcp: o.mcp}
	ts := asm.assemble(ictx, assembleInput{
		Model:           in.Model,
		KnowledgeBaseID: in.KnowledgeBaseID,
		WebBrowsing:     in.WebBrowsing,
		Attachments:     in.Attachments,
	})

	normalized := NormalizeMessages(msgs, ts.Instructions, in.Model.SupportsSystemMessage())

	kbFallback := needsToolFallback(in.Model, tools.FeatureKnowledgeBase, strings.TrimSpace(in.KnowledgeBaseID) != "")
	webFallback := needsToolFallback(in.Model, tools.FeatureWebBrowsing, in.WebBrowsing)

	if kbFallback || webFallback {
		setStatus(StatusSearching)
		outcome := o.runFallbackSearch(ictx, in.Model, in.KnowledgeBaseID, kbFallback, webFallback, normalized)
		if outcome.Type != SearchTypeNone && len(outcome.Results) > 0 {
			part, ctxMsg := foldSearchOutcome(outcome)
			acc.AppendPart(part)
			publish()
			normalized = append(normalized, ctxMsg)
		}
		// Fallback turns stream a single provider call without tools.
		return o.streamLoop(ictx, in, normalized, nil, acc, publish, setStatus)
	}

	return o.streamLoop(ictx, in, normalized, &ts, acc, publish, setStatus)
}

func (o *Orchestrator) streamLoop(ictx context.Context, in TurnInput, convo []Message, ts *ToolSet, acc *StreamingResult, publish func(), setStatus func(TurnStatus)) (TurnOutput, error) {
	setStatus(StatusStreaming)

	var usage Usage
	onEvent := func(ev StreamEvent) {
		switch ev.Type {
		case StreamEventTextDelta:
			acc.AppendText(ev.Text)
			publish()
		case StreamEventToolCallStart, StreamEventToolCallDelta, StreamEventToolCallEnd:
			if ev.ToolCall != nil {
				acc.UpdateToolCall(*ev.ToolCall)
				publish()
			}
		case StreamEventUsage:
			if ev.Usage != nil {
				usage.InputTokens += ev.Usage.InputTokens
				usage.OutputTokens += ev.Usage.OutputTokens
			}
		}
	}

	var defs []ToolDef
	if ts != nil {
		defs = ts.Defs
	}

	for step := 0; step < o.maxToolSteps; step++ {
		result, err := in.Model.StreamChat(ictx, ChatRequest{
			Messages:        convo,
			Tools:           defs,
			MaxOutputTokens: in.MaxOutputTokens,
			Temperature:     in.Temperature,
		}, onEvent)
		if err != nil {
			if ictx.Err() != nil {
				setStatus(StatusCancelled)
				return TurnOutput{Parts: acc.Snapshot(), SentMessages: convo, Usage: usage, Cancelled: true}, nil
			}
			setStatus(StatusErrored)
			return TurnOutput{}, err
		}

		if len(result.ToolCalls) == 0 || ts == nil {
			break
		}

		assistantParts := make([]ContentPart, 0, len(result.ToolCalls)+1)
		if txt := strings.TrimSpace(result.Text); txt != "" {
			assistantParts = append(assistantParts, ContentPart{Type: PartText, Text: txt})
		}
		toolParts := make([]ContentPart, 0, len(result.ToolCalls))
		for _, call := range result.ToolCalls {
			argsJSON, _ := json.Marshal(call.Args)
			o.logger.Debug("executing tool call", "tool", call.Name, "feature", tools.FeatureOf(call.Name), "call_id", call.ID)

			env := ts.Execute(ictx, call)
			envJSON, merr := json.Marshal(env)
			if merr != nil {
				envJSON = []byte(`{"status":"error"}`)
			}
			acc.UpdateToolCall(PartialToolCall{ID: call.ID, Name: call.Name, ArgumentsJSON: string(argsJSON)})
			acc.SetToolResult(call.ID, string(envJSON))
			publish()

			assistantParts = append(assistantParts, ContentPart{
				Type:       PartToolCall,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				ArgsJSON:   string(argsJSON),
			})
			toolParts = append(toolParts, ContentPart{
				Type:       PartToolResult,
				ToolCallID: call.ID,
				ResultJSON: string(envJSON),
			})
		}
		convo = append(convo,
			Message{Role: RoleAssistant, Parts: assistantParts},
			Message{Role: roleTool, Parts: toolParts},
		)

		if step == o.maxToolSteps-1 {
			o.logger.Warn("tool loop reached step cap", "model", in.Model.ModelID(), "steps", o.maxToolSteps)
		}
	}

	setStatus(StatusDone)
	return TurnOutput{Parts: acc.Snapshot(), SentMessages: convo, Usage: usage}, nil
}

// runOCR attaches OCR text to every unprocessed image part in place.
func (o *Orchestrator) runOCR(ctx context.Context, msgs []Message) error {
	for mi := range msgs {
		for pi := range msgs[mi].Parts {
			part := &msgs[mi].Parts[pi]
			if part.Type != PartImage || strings.TrimSpace(part.OCRText) != "" {
				continue
			}
			content, ok, err := o.blobs.Get(part.StorageKey)
			if err != nil {
				return fmt.Errorf("load image %s: %w", part.StorageKey, err)
			}
			if !ok {
				return fmt.Errorf("image %s not found in blob store", part.StorageKey)
			}
			text, err := o.ocr.Recognize(ctx, []byte(content), part.MimeType)
			if err != nil {
				return fmt.Errorf("ocr preprocessing: %w", err)
			}
			part.OCRText = text
		}
	}
	return nil
}

// resolveImageData builds provider-ready data URLs for image parts so the
// adapters never touch the blob store.
func (o *Orchestrator) resolveImageData(msgs []Message) {
	if o.blobs == nil {
		return
	}
	for mi := range msgs {
		for pi := range msgs[mi].Parts {
			part := &msgs[mi].Parts[pi]
			if part.Type != PartImage || part.DataURL != "" {
				continue
			}
			content, ok, err := o.blobs.Get(part.StorageKey)
			if err != nil || !ok {
				continue
			}
			mime := strings.TrimSpace(part.MimeType)
			if mime == "" {
				mime = "image/png"
			}
			part.DataURL = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString([]byte(content))
		}
	}
}

type PaintInput struct {
	Model  Model
	Prompt string
}

// PaintTurn routes an image-generation turn through the model's paint
// capability and stores the produced images in the blob store.
func (o *Orchestrator) PaintTurn(ctx context.Context, in PaintInput) (TurnOutput, error) {
	if in.Model == nil {
		return TurnOutput{}, errors.New("missing model")
	}
	if !in.Model.SupportsPaint() {
		return TurnOutput{}, ErrPaintNotSupported
	}
	if o.blobSink == nil {
		return TurnOutput{}, errors.New("blob store is not configured for paint turns")
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return TurnOutput{}, errors.New("missing prompt")
	}

	images, err := in.Model.Paint(ctx, prompt)
	if err != nil {
		return TurnOutput{}, err
	}

	parts := make([]ContentPart, 0, len(images))
	for i, img := range images {
		mime := strings.TrimSpace(img.MimeType)
		if mime == "" {
			mime = "image/png"
		}
		meta, err := o.blobSink.Save(bytes.NewReader(img.Data), fmt.Sprintf("painted_%d", i+1), mime)
		if err != nil {
			return TurnOutput{}, fmt.Errorf("store generated image: %w", err)
		}
		parts = append(parts, ContentPart{Type: PartImage, StorageKey: meta.Key, MimeType: mime})
	}
	return TurnOutput{Parts: parts}, nil
}
