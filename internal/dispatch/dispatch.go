// Package dispatch classifies inbound chat messages and runs the matching
// handler against the session registry and the completion provider.
//
// Every call to Dispatch yields a non-empty reply. Failures are converted
// to persona texts and reported through Result.Err.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cmdpkg "github.com/stupiduntilnot/buccaneer/internal/commander"
	ctxpkg "github.com/stupiduntilnot/buccaneer/internal/context"
	"github.com/stupiduntilnot/buccaneer/internal/db"
	"github.com/stupiduntilnot/buccaneer/internal/model"
	"github.com/stupiduntilnot/buccaneer/internal/persona"
	"github.com/stupiduntilnot/buccaneer/internal/session"
)

var (
	// ErrUnsupportedContent is reported for messages with neither text nor image.
	ErrUnsupportedContent = errors.New("unsupported content")
	// ErrImageRequired is reported for /describe_image without an attached image.
	ErrImageRequired = errors.New("image required")
	// ErrImageFetch wraps transport failures while downloading an image.
	ErrImageFetch = errors.New("image fetch failed")
)

// Transport is the part of the chat transport the handlers need.
type Transport interface {
	SendChatAction(ctx context.Context, chatID int64, action string) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// Recorder appends journal events.
type Recorder interface {
	Record(parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// Request is one inbound message plus its tracing identifiers.
type Request struct {
	Message *cmdpkg.Message
	TraceID string
	// EventID is the journal id of the update.received event; 0 if unjournaled.
	EventID int64
}

// Result is the outcome of one dispatch. Reply is never empty.
type Result struct {
	Kind  Kind
	Reply string
	Err   error
}

// Options wires a Dispatcher. Registry, Requester and Transport are required.
type Options struct {
	Registry  *session.Registry
	Requester model.Requester
	Transport Transport
	Persona   persona.Persona
	Assembler ctxpkg.Assembler
	Journal   Recorder
	Logger    *slog.Logger
	Now       func() time.Time
	// BotUsername limits "@name"-addressed commands to this bot. See Classifier.
	BotUsername string
}

// Dispatcher routes messages to handlers. It is safe for concurrent use.
type Dispatcher struct {
	registry   *session.Registry
	requester  model.Requester
	transport  Transport
	persona    persona.Persona
	assembler  ctxpkg.Assembler
	journal    Recorder
	logger     *slog.Logger
	now        func() time.Time
	classifier Classifier
}

// New builds a Dispatcher. Unset options get defaults, and a persona that
// fails persona.Validate is replaced by persona.Default.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		registry:   opts.Registry,
		requester:  opts.Requester,
		transport:  opts.Transport,
		persona:    opts.Persona,
		assembler:  opts.Assembler,
		journal:    opts.Journal,
		logger:     opts.Logger,
		now:        opts.Now,
		classifier: Classifier{BotUsername: opts.BotUsername},
	}
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	if d.persona == (persona.Persona{}) {
		d.persona = persona.Default()
	} else if err := persona.Validate(d.persona); err != nil {
		d.logger.Warn("invalid persona, using default", "err", err)
		d.persona = persona.Default()
	}
	if d.assembler == nil {
		d.assembler = &ctxpkg.StandardAssembler{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Classify reports the branch Dispatch would route msg to.
func (d *Dispatcher) Classify(msg *cmdpkg.Message) Kind {
	return d.classifier.Classify(msg)
}

// Dispatch classifies req.Message once and runs the matching handler.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (res Result) {
	kind := d.Classify(req.Message)
	h := &handling{
		d:      d,
		req:    req,
		kind:   kind,
		logger: d.logger.With("trace_id", req.TraceID, "kind", string(kind)),
	}
	if req.Message != nil {
		h.userID = req.Message.SenderID()
		h.chatID = req.Message.Chat.ID
		h.logger = h.logger.With("user_id", h.userID)
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("handler panicked", "panic", fmt.Sprint(r))
			h.record(db.EventHandlerPanicked, map[string]any{"panic": fmt.Sprint(r)})
			res = Result{Kind: kind, Reply: d.persona.CompletionFallback, Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()

	switch kind {
	case KindRegister:
		return h.register()
	case KindTokens:
		return h.tokens()
	case KindClean:
		return h.clean()
	case KindDescribeImage:
		return h.describeImage(ctx)
	case KindText:
		return h.completeText(ctx)
	default:
		h.logger.Info("unsupported content")
		h.record(db.EventContentUnsupported, nil)
		return h.result(d.persona.Unsupported, ErrUnsupportedContent)
	}
}

// handling carries the per-request state through one handler.
type handling struct {
	d      *Dispatcher
	req    Request
	kind   Kind
	userID int64
	chatID int64
	logger *slog.Logger
}

func (h *handling) result(reply string, err error) Result {
	return Result{Kind: h.kind, Reply: reply, Err: err}
}

func (h *handling) record(eventType string, payload map[string]any) {
	if h.d.journal == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["user_id"] = h.userID
	payload["trace_id"] = h.req.TraceID
	var parent *int64
	if h.req.EventID > 0 {
		id := h.req.EventID
		parent = &id
	}
	if _, err := h.d.journal.Record(parent, eventType, payload); err != nil {
		h.logger.Warn("journal write failed", "event_type", eventType, "error", err)
	}
}

func (h *handling) notRegistered() Result {
	h.logger.Info("user not registered")
	h.record(db.EventNotRegistered, nil)
	return h.result(h.d.persona.NotRegistered, session.ErrNotRegistered)
}

func (h *handling) typing(ctx context.Context) {
	if err := h.d.transport.SendChatAction(ctx, h.chatID, cmdpkg.ChatActionTyping); err != nil {
		h.logger.Debug("typing signal failed", "error", err)
	}
}

func (h *handling) register() Result {
	unlock := h.d.registry.Lock(h.userID)
	defer unlock()

	if h.d.registry.EnsureRegistered(h.userID) {
		h.logger.Info("user registered")
		h.record(db.EventUserRegistered, map[string]any{"token_balance": h.d.registry.Config().TokenBudget})
	} else {
		h.record(db.EventUserWelcomed, nil)
	}
	return h.result(h.d.persona.Welcome, nil)
}

func (h *handling) tokens() Result {
	unlock := h.d.registry.Lock(h.userID)
	defer unlock()

	balance, err := h.d.registry.TryReset(h.userID, h.d.now())
	var cooldown *session.CooldownError
	switch {
	case errors.Is(err, session.ErrNotRegistered):
		return h.notRegistered()
	case errors.As(err, &cooldown):
		secs := cooldown.RemainingSeconds()
		h.logger.Info("quota reset on cooldown", "remaining_seconds", secs)
		h.record(db.EventQuotaCooldown, map[string]any{"remaining_seconds": secs})
		return h.result(h.d.persona.CooldownReply(secs), err)
	case err != nil:
		return h.result(h.d.persona.CompletionFallback, err)
	}
	h.logger.Info("quota replenished", "token_balance", balance)
	h.record(db.EventQuotaReplenished, map[string]any{"token_balance": balance})
	return h.result(h.d.persona.ReplenishedReply(balance), nil)
}

func (h *handling) clean() Result {
	unlock := h.d.registry.Lock(h.userID)
	defer unlock()

	if err := h.d.registry.Clear(h.userID); err != nil {
		if errors.Is(err, session.ErrNotRegistered) {
			return h.notRegistered()
		}
		return h.result(h.d.persona.CompletionFallback, err)
	}
	h.logger.Info("history cleared")
	h.record(db.EventHistoryCleared, nil)
	return h.result(h.d.persona.Cleared, nil)
}

func (h *handling) completeText(ctx context.Context) Result {
	unlock := h.d.registry.Lock(h.userID)
	defer unlock()

	text := *h.req.Message.Text
	if err := h.d.registry.AppendAndTrim(h.userID, session.Turn{Role: ctxpkg.RoleUser, Content: text}); err != nil {
		if errors.Is(err, session.ErrNotRegistered) {
			return h.notRegistered()
		}
		return h.result(h.d.persona.CompletionFallback, err)
	}
	history, err := h.d.registry.Snapshot(h.userID)
	if err != nil {
		return h.result(h.d.persona.CompletionFallback, err)
	}
	messages := h.d.assembler.Assemble(h.d.persona.System, history)

	h.typing(ctx)
	start := time.Now()
	reply, err := h.d.requester.CompleteText(ctx, messages)
	if err == nil && reply == "" {
		err = model.ErrEmptyResponse
	}
	if err != nil {
		err = asProviderError("complete_text", err)
		h.logger.Warn("completion failed", "error_class", "provider", "error", err)
		h.record(db.EventCompletionFailed, map[string]any{"error": err.Error()})
		return h.result(h.d.persona.CompletionFallback, err)
	}

	if err := h.d.registry.AppendAndTrim(h.userID, session.Turn{Role: ctxpkg.RoleAssistant, Content: reply}); err != nil {
		h.logger.Warn("assistant turn not stored", "error", err)
	}
	h.logger.Info("completion succeeded", "history_len", len(history)+1, "duration_ms", time.Since(start).Milliseconds())
	h.record(db.EventCompletionSucceeded, map[string]any{"messages": len(messages)})
	return h.result(reply, nil)
}

func (h *handling) describeImage(ctx context.Context) Result {
	photo := h.req.Message.LargestPhoto()
	if photo == nil {
		h.record(db.EventImageRequired, nil)
		return h.result(h.d.persona.AttachImage, ErrImageRequired)
	}

	image, err := h.d.transport.DownloadFile(ctx, photo.FileID)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrImageFetch, err)
		h.logger.Warn("image download failed", "error_class", "transport", "file_id", photo.FileID, "error", err)
		h.record(db.EventImageFailed, map[string]any{"stage": "download", "error": err.Error()})
		return h.result(h.d.persona.ImageError, err)
	}

	h.typing(ctx)
	reply, err := h.d.requester.DescribeImage(ctx, image)
	if err == nil && reply == "" {
		err = model.ErrEmptyResponse
	}
	if err != nil {
		err = asProviderError("describe_image", err)
		h.logger.Warn("image description failed", "error_class", "provider", "error", err)
		h.record(db.EventImageFailed, map[string]any{"stage": "describe", "error": err.Error()})
		return h.result(h.d.persona.ImageFallback, err)
	}
	h.logger.Info("image described", "image_bytes", len(image))
	h.record(db.EventImageDescribed, map[string]any{"image_bytes": len(image), "width": photo.Width, "height": photo.Height})
	return h.result(reply, nil)
}

// asProviderError keeps *model.ProviderError values and wraps anything else.
func asProviderError(op string, err error) error {
	if model.IsProviderError(err) {
		return err
	}
	return &model.ProviderError{Provider: "requester", Op: op, Err: err}
}
