// Package dummy provides scripted Commander and Requester adapters for
// local runs and end-to-end tests without network access.
//
// A script is a comma-separated list of actions consumed one per call; the
// last action repeats once the script is exhausted:
//
//	ok             no update / default reply
//	err:<class>    fail with the given error class
//	sleep:<ms>     block for ms milliseconds (honours ctx)
//	msg:<text>     text message (commander) or reply text (provider)
//	msgb64:<b64>   like msg, base64-encoded
//	photo:<caption> photo message with an optional caption (commander only)
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/buccaneer/internal/commander"
	ctxpkg "github.com/stupiduntilnot/buccaneer/internal/context"
	"github.com/stupiduntilnot/buccaneer/internal/model"
)

// UserID is the sender and chat ID of every scripted update.
const UserID int64 = 1

// PhotoFileID is the file ID attached to scripted photo updates.
const PhotoFileID = "dummy-photo"

// PhotoBytes is what DownloadFile returns for PhotoFileID.
var PhotoBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 'd', 'u', 'm', 'm', 'y'}

type action struct {
	kind string
	arg  string
}

var actionPrefixes = []string{"err", "sleep", "msg", "msgb64", "photo"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
next:
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		for _, kind := range actionPrefixes {
			if arg, ok := strings.CutPrefix(token, kind+":"); ok {
				actions = append(actions, action{kind: kind, arg: arg})
				continue next
			}
		}
		return nil, fmt.Errorf("invalid dummy action: %s", token)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleepCtx(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SentMessage is one reply recorded by the scripted Commander.
type SentMessage struct {
	ChatID  int64
	ReplyTo int64
	Text    string
}

// Commander is a scripted [cmdpkg.Commander].
type Commander struct {
	mu        sync.Mutex
	poll      *scriptRunner
	send      *scriptRunner
	updateID  int64
	messageID int64
	sent      []SentMessage
	actions   []string
}

var _ cmdpkg.Commander = (*Commander)(nil)

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{poll: poll, send: send, updateID: 1}, nil
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	a := c.poll.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		return nil, sleepCtx(ctx, a.arg)
	case "msg":
		return c.update(a.arg, nil), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy commander msgb64 decode failed: %w", err)
		}
		return c.update(string(raw), nil), nil
	case "photo":
		return c.update(a.arg, []cmdpkg.PhotoSize{
			{FileID: PhotoFileID + "-thumb", Width: 90, Height: 90},
			{FileID: PhotoFileID, Width: 800, Height: 600},
		}), nil
	default:
		return nil, nil
	}
}

// update builds one scripted update. With photos, text becomes the caption.
func (c *Commander) update(text string, photos []cmdpkg.PhotoSize) []cmdpkg.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateID++
	c.messageID++
	msg := &cmdpkg.Message{
		MessageID: c.messageID,
		From:      &cmdpkg.User{ID: UserID, Username: "dummy"},
		Chat:      cmdpkg.Chat{ID: UserID},
		Date:      time.Now().Unix(),
	}
	body := text
	if photos == nil {
		msg.Text = &body
	} else {
		msg.Photo = photos
		if body != "" {
			msg.Caption = &body
		}
	}
	return []cmdpkg.Update{{UpdateID: c.updateID, Message: msg}}
}

func (c *Commander) SendMessage(ctx context.Context, chatID, replyTo int64, text string) error {
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		if err := sleepCtx(ctx, a.arg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, SentMessage{ChatID: chatID, ReplyTo: replyTo, Text: text})
	c.mu.Unlock()
	return nil
}

func (c *Commander) SendChatAction(ctx context.Context, chatID int64, action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
	return nil
}

func (c *Commander) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	if !strings.HasPrefix(fileID, PhotoFileID) {
		return nil, fmt.Errorf("dummy commander: unknown file %q", fileID)
	}
	out := make([]byte, len(PhotoBytes))
	copy(out, PhotoBytes)
	return out, nil
}

// Sent returns a copy of every message delivered so far.
func (c *Commander) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// ChatActions returns the chat actions signalled so far.
func (c *Commander) ChatActions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actions...)
}

// Provider is a scripted [model.Requester]. Text and image calls share one script.
type Provider struct {
	mu     sync.Mutex
	script *scriptRunner
	calls  [][]ctxpkg.Message
}

var _ model.Requester = (*Provider)(nil)

func NewProvider(script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{script: runner}, nil
}

func (p *Provider) CompleteText(ctx context.Context, messages []ctxpkg.Message) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, append([]ctxpkg.Message(nil), messages...))
	p.mu.Unlock()
	return p.run(ctx, "complete_text", "dummy-ok")
}

func (p *Provider) DescribeImage(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", &model.ProviderError{Provider: "dummy", Op: "describe_image", Err: fmt.Errorf("empty image")}
	}
	return p.run(ctx, "describe_image", "dummy-image")
}

// Calls returns the conversations passed to CompleteText.
func (p *Provider) Calls() [][]ctxpkg.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]ctxpkg.Message(nil), p.calls...)
}

func (p *Provider) run(ctx context.Context, op, fallback string) (string, error) {
	p.mu.Lock()
	a := p.script.next()
	p.mu.Unlock()

	fail := func(err error) (string, error) {
		return "", &model.ProviderError{Provider: "dummy", Op: op, Err: err}
	}
	switch a.kind {
	case "ok":
		return emptyAs(a.arg, fallback), nil
	case "err":
		return fail(fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api")))
	case "sleep":
		if err := sleepCtx(ctx, a.arg); err != nil {
			return fail(err)
		}
		return "dummy-after-sleep", nil
	case "msg":
		if strings.TrimSpace(a.arg) == "" {
			return fail(model.ErrEmptyResponse)
		}
		return a.arg, nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return fail(fmt.Errorf("dummy provider msgb64 decode failed: %w", err))
		}
		return string(raw), nil
	default:
		return fallback, nil
	}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
