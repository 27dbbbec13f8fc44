package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	cmdpkg "github.com/stupiduntilnot/buccaneer/internal/commander"
	"github.com/stupiduntilnot/buccaneer/internal/control"
	"github.com/stupiduntilnot/buccaneer/internal/db"
	"github.com/stupiduntilnot/buccaneer/internal/dispatch"
)

// recorder is the journal as seen by the poll loop.
type recorder interface {
	Record(parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// worker polls the commander and hands every update to its user's lane.
type worker struct {
	commander      cmdpkg.Commander
	dispatcher     *dispatch.Dispatcher
	journal        recorder
	circuit        *control.CircuitBreaker
	logger         *slog.Logger
	pollTimeout    int
	sleep          time.Duration
	processEventID int64

	lanes   lanes
	wg      sync.WaitGroup
	handled atomic.Uint64
}

// run polls until ctx is cancelled and returns the next offset.
// In-flight handlers keep running; call wait to drain them.
func (w *worker) run(ctx context.Context, offset int64) int64 {
	for ctx.Err() == nil {
		next, err := w.pollOnce(ctx, offset)
		offset = next
		if err != nil && ctx.Err() == nil {
			sleepCtx(ctx, w.sleep)
		}
	}
	return offset
}

// wait blocks until every dispatched update has been answered.
func (w *worker) wait() {
	w.wg.Wait()
}

// pollOnce fetches one batch of updates and dispatches them. It returns the
// offset to use for the next poll.
func (w *worker) pollOnce(ctx context.Context, offset int64) (int64, error) {
	allowed, tr := w.circuit.Allow(time.Now())
	w.recordTransition(tr)
	if !allowed {
		sleepCtx(ctx, min(w.sleep, w.circuit.RetryAfter(time.Now())))
		return offset, nil
	}

	updates, err := w.commander.GetUpdates(ctx, offset, w.pollTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return offset, err
		}
		errClass := classifyError(err)
		w.logger.Warn("getUpdates failed", "error_class", errClass, "err", err)
		w.recordTransition(w.circuit.RecordFailure(errClass, time.Now()))
		return offset, err
	}
	w.recordTransition(w.circuit.RecordSuccess())

	for _, update := range updates {
		offset = update.UpdateID + 1
		w.dispatchAsync(ctx, update)
	}
	if len(updates) == 0 {
		sleepCtx(ctx, w.sleep)
	}
	return offset, nil
}

func (w *worker) recordTransition(tr control.Transition) {
	if !tr.Changed() {
		return
	}
	var eventType string
	switch tr.To {
	case control.CircuitOpen:
		eventType = db.EventCircuitOpened
	case control.CircuitHalfOpen:
		eventType = db.EventCircuitHalfOpen
	default:
		eventType = db.EventCircuitClosed
	}
	w.logger.Info("circuit transition", "from", string(tr.From), "to", string(tr.To), "error_class", tr.Class)
	w.record(eventType, map[string]any{
		"from":             string(tr.From),
		"error_class":      tr.Class,
		"threshold":        w.circuit.Threshold,
		"cooldown_seconds": int(w.circuit.Cooldown.Seconds()),
	})
}

func (w *worker) record(eventType string, payload map[string]any) int64 {
	if w.journal == nil {
		return 0
	}
	var parent *int64
	if w.processEventID > 0 {
		parent = &w.processEventID
	}
	id, err := w.journal.Record(parent, eventType, payload)
	if err != nil {
		w.logger.Warn("journal write failed", "event_type", eventType, "err", err)
		return 0
	}
	return id
}

// dispatchAsync queues one update on its sender's lane, so a user's updates are
// handled in arrival order. The handler context survives shutdown of the poll
// loop so in-flight replies are still sent.
func (w *worker) dispatchAsync(ctx context.Context, update cmdpkg.Update) {
	traceID := uuid.NewString()
	payload := map[string]any{
		"update_id": update.UpdateID,
		"trace_id":  traceID,
	}
	if m := update.Message; m != nil {
		payload["user_id"] = m.SenderID()
		payload["chat_id"] = m.Chat.ID
		payload["message_id"] = m.MessageID
		payload["kind"] = string(w.dispatcher.Classify(m))
	}
	eventID := w.record(db.EventUpdateReceived, payload)
	if update.Message == nil {
		return
	}

	w.wg.Add(1)
	w.lanes.submit(update.Message.SenderID(), func() {
		defer w.wg.Done()
		w.handle(context.WithoutCancel(ctx), update.Message, traceID, eventID)
	})
}

func (w *worker) handle(ctx context.Context, msg *cmdpkg.Message, traceID string, eventID int64) {
	logger := w.logger.With("trace_id", traceID, "user_id", msg.SenderID())
	defer func() {
		if r := recover(); r != nil {
			logger.Error("update handling panicked", "panic", fmt.Sprint(r))
		}
	}()

	res := w.dispatcher.Dispatch(ctx, dispatch.Request{Message: msg, TraceID: traceID, EventID: eventID})
	w.handled.Add(1)
	if res.Err != nil {
		logger.Debug("dispatch outcome", "kind", string(res.Kind), "err", res.Err)
	}

	var parent *int64
	if eventID > 0 {
		parent = &eventID
	}
	if err := w.commander.SendMessage(ctx, msg.Chat.ID, msg.MessageID, res.Reply); err != nil {
		logger.Error("reply failed", "error_class", classifyError(err), "err", err)
		w.recordChild(parent, db.EventReplyFailed, map[string]any{"trace_id": traceID, "error": err.Error()})
		return
	}
	w.recordChild(parent, db.EventReplySent, map[string]any{
		"trace_id": traceID,
		"kind":     string(res.Kind),
		"chars":    len([]rune(res.Reply)),
	})
}

func (w *worker) recordChild(parent *int64, eventType string, payload map[string]any) {
	if w.journal == nil {
		return
	}
	if _, err := w.journal.Record(parent, eventType, payload); err != nil {
		w.logger.Warn("journal write failed", "event_type", eventType, "err", err)
	}
}

func classifyError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "telegram ") || strings.Contains(msg, "commander"):
		return "command_source_api"
	case strings.Contains(msg, "sqlite") || strings.Contains(msg, "database"):
		return "db"
	default:
		return "unknown"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
