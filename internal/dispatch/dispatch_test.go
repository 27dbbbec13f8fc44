package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdpkg "github.com/stupiduntilnot/buccaneer/internal/commander"
	ctxpkg "github.com/stupiduntilnot/buccaneer/internal/context"
	"github.com/stupiduntilnot/buccaneer/internal/db"
	"github.com/stupiduntilnot/buccaneer/internal/dispatch"
	"github.com/stupiduntilnot/buccaneer/internal/model"
	"github.com/stupiduntilnot/buccaneer/internal/persona"
	"github.com/stupiduntilnot/buccaneer/internal/session"
)

const userID int64 = 42

type fakeRequester struct {
	mu       sync.Mutex
	text     func(messages []ctxpkg.Message) (string, error)
	image    func(image []byte) (string, error)
	received [][]ctxpkg.Message
	images   [][]byte
}

func (f *fakeRequester) CompleteText(_ context.Context, messages []ctxpkg.Message) (string, error) {
	f.mu.Lock()
	f.received = append(f.received, append([]ctxpkg.Message(nil), messages...))
	f.mu.Unlock()
	if f.text == nil {
		return "ahoy", nil
	}
	return f.text(messages)
}

func (f *fakeRequester) DescribeImage(_ context.Context, image []byte) (string, error) {
	f.mu.Lock()
	f.images = append(f.images, image)
	f.mu.Unlock()
	if f.image == nil {
		return "a ship", nil
	}
	return f.image(image)
}

type fakeTransport struct {
	mu          sync.Mutex
	files       map[string][]byte
	downloadErr error
	actions     []string
	downloaded  []string
}

func (f *fakeTransport) SendChatAction(_ context.Context, _ int64, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeTransport) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloaded = append(f.downloaded, fileID)
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	data, ok := f.files[fileID]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

type fakeJournal struct {
	mu      sync.Mutex
	events  []string
	parents []*int64
}

func (f *fakeJournal) Record(parentID *int64, eventType string, _ map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	f.parents = append(f.parents, parentID)
	return int64(len(f.events)), nil
}

func (f *fakeJournal) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type harness struct {
	registry  *session.Registry
	requester *fakeRequester
	transport *fakeTransport
	journal   *fakeJournal
	now       time.Time
	d         *dispatch.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		registry:  session.NewRegistry(session.DefaultConfig()),
		requester: &fakeRequester{},
		transport: &fakeTransport{files: map[string][]byte{"big": {0xff, 0xd8, 0x01}}},
		journal:   &fakeJournal{},
		now:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.d = dispatch.New(dispatch.Options{
		Registry:  h.registry,
		Requester: h.requester,
		Transport: h.transport,
		Persona:   persona.Default(),
		Journal:   h.journal,
		Now:       func() time.Time { return h.now },
	})
	return h
}

func textMsg(text string) *cmdpkg.Message {
	return &cmdpkg.Message{
		MessageID: 1,
		From:      &cmdpkg.User{ID: userID},
		Chat:      cmdpkg.Chat{ID: userID},
		Text:      strPtr(text),
	}
}

func photoMsg(caption string) *cmdpkg.Message {
	m := &cmdpkg.Message{
		MessageID: 2,
		From:      &cmdpkg.User{ID: userID},
		Chat:      cmdpkg.Chat{ID: userID},
		Photo:     photos(),
	}
	if caption != "" {
		m.Caption = strPtr(caption)
	}
	return m
}

func (h *harness) send(msg *cmdpkg.Message) dispatch.Result {
	return h.d.Dispatch(context.Background(), dispatch.Request{Message: msg, TraceID: "t", EventID: 7})
}

func TestDispatch_EndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := persona.Default()

	res := h.send(textMsg("/start"))
	assert.Equal(t, dispatch.KindRegister, res.Kind)
	assert.Equal(t, p.Welcome, res.Reply)
	require.NoError(t, res.Err)
	s, ok := h.registry.Get(userID)
	require.True(t, ok)
	assert.Equal(t, 1000, s.TokenBalance)

	res = h.send(textMsg("/tokens"))
	require.NoError(t, res.Err)
	assert.Equal(t, "Yarr! Yer tokens be replenished to 1000, ye lucky dog!", res.Reply)

	res = h.send(textMsg("/tokens"))
	var cooldown *session.CooldownError
	require.ErrorAs(t, res.Err, &cooldown)
	assert.Equal(t, 180, cooldown.RemainingSeconds())
	assert.Equal(t, p.CooldownReply(180), res.Reply)

	res = h.send(textMsg("hello"))
	require.NoError(t, res.Err)
	assert.Equal(t, dispatch.KindText, res.Kind)
	assert.Equal(t, "ahoy", res.Reply)
	history, err := h.registry.Snapshot(userID)
	require.NoError(t, err)
	assert.Equal(t, []session.Turn{
		{Role: ctxpkg.RoleUser, Content: "hello"},
		{Role: ctxpkg.RoleAssistant, Content: "ahoy"},
	}, history)

	res = h.send(textMsg("/clean"))
	require.NoError(t, res.Err)
	assert.Equal(t, p.Cleared, res.Reply)
	history, err = h.registry.Snapshot(userID)
	require.NoError(t, err)
	assert.Empty(t, history)

	assert.Equal(t, []string{
		db.EventUserRegistered,
		db.EventQuotaReplenished,
		db.EventQuotaCooldown,
		db.EventCompletionSucceeded,
		db.EventHistoryCleared,
	}, h.journal.types())
	for _, parent := range h.journal.parents {
		require.NotNil(t, parent)
		assert.Equal(t, int64(7), *parent)
	}
}

func TestDispatch_RegisterTwiceKeepsState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(textMsg("/start"))
	h.send(textMsg("/tokens"))
	h.send(textMsg("hello"))
	before, _ := h.registry.Get(userID)

	res := h.send(textMsg("/start"))
	require.NoError(t, res.Err)
	assert.Equal(t, persona.Default().Welcome, res.Reply)
	after, _ := h.registry.Get(userID)
	assert.Equal(t, before, after)
	assert.Contains(t, h.journal.types(), db.EventUserWelcomed)
}

func TestDispatch_TokensAfterCooldown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(textMsg("/start"))
	h.send(textMsg("/tokens"))
	h.now = h.now.Add(179*time.Second + 500*time.Millisecond)
	res := h.send(textMsg("/tokens"))
	var cooldown *session.CooldownError
	require.ErrorAs(t, res.Err, &cooldown)
	assert.Equal(t, 1, cooldown.RemainingSeconds())

	h.now = h.now.Add(time.Second)
	res = h.send(textMsg("/tokens"))
	require.NoError(t, res.Err)
	assert.Contains(t, res.Reply, "1000")
}

func TestDispatch_NotRegistered(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	want := persona.Default().NotRegistered

	for _, text := range []string{"/tokens", "/clean", "hello"} {
		res := h.send(textMsg(text))
		assert.ErrorIs(t, res.Err, session.ErrNotRegistered, text)
		assert.Equal(t, want, res.Reply, text)
	}
	_, ok := h.registry.Get(userID)
	assert.False(t, ok, "no session may be created implicitly")
	assert.Equal(t, 0, h.registry.Len())
	assert.Empty(t, h.requester.received)
}

func TestDispatch_CompletionFailureLeavesUserTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.requester.text = func([]ctxpkg.Message) (string, error) {
		return "", &model.ProviderError{Provider: "fake", Op: "complete_text", Status: 500, Err: errors.New("boom")}
	}

	h.send(textMsg("/start"))
	res := h.send(textMsg("hello"))
	assert.Equal(t, persona.Default().CompletionFallback, res.Reply)
	assert.True(t, model.IsProviderError(res.Err))

	history, err := h.registry.Snapshot(userID)
	require.NoError(t, err)
	assert.Equal(t, []session.Turn{{Role: ctxpkg.RoleUser, Content: "hello"}}, history)
	assert.Contains(t, h.journal.types(), db.EventCompletionFailed)
}

func TestDispatch_EmptyCompletionIsProviderError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.requester.text = func([]ctxpkg.Message) (string, error) { return "", nil }

	h.send(textMsg("/start"))
	res := h.send(textMsg("hello"))
	assert.Equal(t, persona.Default().CompletionFallback, res.Reply)
	assert.ErrorIs(t, res.Err, model.ErrEmptyResponse)
	assert.True(t, model.IsProviderError(res.Err))
}

func TestDispatch_PlainErrorIsWrappedAsProviderError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.requester.text = func([]ctxpkg.Message) (string, error) { return "", context.DeadlineExceeded }

	h.send(textMsg("/start"))
	res := h.send(textMsg("hello"))
	assert.True(t, model.IsProviderError(res.Err))
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestDispatch_RequestCarriesSystemAndHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(textMsg("/start"))
	h.send(textMsg("first"))
	h.send(textMsg("second"))

	require.Len(t, h.requester.received, 2)
	last := h.requester.received[1]
	require.Len(t, last, 4)
	assert.Equal(t, ctxpkg.Message{Role: ctxpkg.RoleSystem, Content: persona.Default().System}, last[0])
	assert.Equal(t, "first", last[1].Content)
	assert.Equal(t, ctxpkg.RoleAssistant, last[2].Role)
	assert.Equal(t, "second", last[3].Content)
	assert.Contains(t, h.transport.actions, cmdpkg.ChatActionTyping)
}

func TestDispatch_HistoryWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(textMsg("/start"))
	for i := 0; i < 6; i++ {
		h.send(textMsg("msg"))
	}
	history, err := h.registry.Snapshot(userID)
	require.NoError(t, err)
	assert.Len(t, history, session.DefaultMaxHistory)
	assert.Equal(t, ctxpkg.RoleUser, history[0].Role)
}

func TestDispatch_DescribeImage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// No registration required.
	res := h.send(photoMsg("/describe_image"))
	require.NoError(t, res.Err)
	assert.Equal(t, dispatch.KindDescribeImage, res.Kind)
	assert.Equal(t, "a ship", res.Reply)
	assert.Equal(t, []string{"big"}, h.transport.downloaded)
	require.Len(t, h.requester.images, 1)
	assert.Equal(t, []byte{0xff, 0xd8, 0x01}, h.requester.images[0])
	assert.Contains(t, h.transport.actions, cmdpkg.ChatActionTyping)
	assert.Equal(t, 0, h.registry.Len())
}

func TestDispatch_ImageWithoutCommand(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(textMsg("/start"))
	res := h.send(photoMsg("what is this?"))
	require.NoError(t, res.Err)
	assert.Equal(t, "a ship", res.Reply)

	history, err := h.registry.Snapshot(userID)
	require.NoError(t, err)
	assert.Empty(t, history, "image path never touches history")
}

func TestDispatch_DescribeImageWithoutImage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res := h.send(textMsg("/describe_image"))
	assert.ErrorIs(t, res.Err, dispatch.ErrImageRequired)
	assert.Equal(t, persona.Default().AttachImage, res.Reply)
	assert.Empty(t, h.transport.downloaded)
	assert.Empty(t, h.requester.images)
}

func TestDispatch_ImageDownloadFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.transport.downloadErr = errors.New("telegram getFile rejected")

	res := h.send(photoMsg(""))
	assert.ErrorIs(t, res.Err, dispatch.ErrImageFetch)
	assert.Equal(t, persona.Default().ImageError, res.Reply)
	assert.Empty(t, h.requester.images)
	assert.Contains(t, h.journal.types(), db.EventImageFailed)
}

func TestDispatch_ImageProviderFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.requester.image = func([]byte) (string, error) {
		return "", &model.ProviderError{Provider: "fake", Op: "describe_image", Err: errors.New("vision down")}
	}

	res := h.send(photoMsg(""))
	assert.True(t, model.IsProviderError(res.Err))
	assert.Equal(t, persona.Default().ImageFallback, res.Reply)
}

func TestDispatch_Unsupported(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(textMsg("/start"))
	before, _ := h.registry.Get(userID)

	res := h.send(&cmdpkg.Message{From: &cmdpkg.User{ID: userID}, Chat: cmdpkg.Chat{ID: userID}})
	assert.ErrorIs(t, res.Err, dispatch.ErrUnsupportedContent)
	assert.Equal(t, persona.Default().Unsupported, res.Reply)
	after, _ := h.registry.Get(userID)
	assert.Equal(t, before, after)

	res = h.d.Dispatch(context.Background(), dispatch.Request{})
	assert.Equal(t, dispatch.KindUnsupported, res.Kind)
	assert.NotEmpty(t, res.Reply)
}

func TestDispatch_RecoversPanic(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.requester.text = func([]ctxpkg.Message) (string, error) { panic("kraken") }

	h.send(textMsg("/start"))
	res := h.send(textMsg("hello"))
	require.Error(t, res.Err)
	assert.Equal(t, persona.Default().CompletionFallback, res.Reply)
	assert.Contains(t, h.journal.types(), db.EventHandlerPanicked)

	// The per-user lock was released; the next message proceeds.
	h.requester.text = nil
	res = h.send(textMsg("again"))
	require.NoError(t, res.Err)
	assert.Equal(t, "ahoy", res.Reply)
}

func TestDispatch_CustomPersona(t *testing.T) {
	t.Parallel()
	p, err := persona.Parse([]byte("system: Be a parrot.\nwelcome: Squawk!\n"))
	require.NoError(t, err)

	req := &fakeRequester{}
	d := dispatch.New(dispatch.Options{
		Registry:  session.NewRegistry(session.DefaultConfig()),
		Requester: req,
		Transport: &fakeTransport{},
		Persona:   p,
	})
	ctx := context.Background()
	res := d.Dispatch(ctx, dispatch.Request{Message: textMsg("/start")})
	assert.Equal(t, "Squawk!", res.Reply)

	d.Dispatch(ctx, dispatch.Request{Message: textMsg("hi")})
	require.Len(t, req.received, 1)
	assert.Equal(t, "Be a parrot.", req.received[0][0].Content)
}

func TestDispatch_IgnoresCommandsForOtherBots(t *testing.T) {
	t.Parallel()
	registry := session.NewRegistry(session.DefaultConfig())
	d := dispatch.New(dispatch.Options{
		Registry:    registry,
		Requester:   &fakeRequester{},
		Transport:   &fakeTransport{},
		BotUsername: "BuccaneerBot",
	})
	ctx := context.Background()

	res := d.Dispatch(ctx, dispatch.Request{Message: textMsg("/start@OtherBot")})
	assert.Equal(t, dispatch.KindText, res.Kind)
	assert.ErrorIs(t, res.Err, session.ErrNotRegistered)
	assert.Equal(t, 0, registry.Len())

	res = d.Dispatch(ctx, dispatch.Request{Message: textMsg("/start@BuccaneerBot")})
	assert.Equal(t, dispatch.KindRegister, res.Kind)
	assert.Equal(t, 1, registry.Len())
	assert.Equal(t, dispatch.KindRegister, d.Classify(textMsg("/start")))
}

func TestDispatch_IncompletePersonaFallsBackToDefault(t *testing.T) {
	t.Parallel()
	d := dispatch.New(dispatch.Options{
		Registry:  session.NewRegistry(session.DefaultConfig()),
		Requester: &fakeRequester{},
		Transport: &fakeTransport{},
		Persona:   persona.Persona{Welcome: "Squawk!"},
	})
	def := persona.Default()
	ctx := context.Background()

	res := d.Dispatch(ctx, dispatch.Request{Message: textMsg("hello")})
	assert.ErrorIs(t, res.Err, session.ErrNotRegistered)
	assert.Equal(t, def.NotRegistered, res.Reply)

	res = d.Dispatch(ctx, dispatch.Request{Message: textMsg("/start")})
	assert.Equal(t, def.Welcome, res.Reply)

	res = d.Dispatch(ctx, dispatch.Request{Message: &cmdpkg.Message{
		MessageID: 9,
		From:      &cmdpkg.User{ID: userID},
		Chat:      cmdpkg.Chat{ID: userID},
	}})
	assert.NotEmpty(t, res.Reply)
	assert.Equal(t, def.Unsupported, res.Reply)
}

func TestDispatch_SameUserSerialized(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	h.requester.text = func(messages []ctxpkg.Message) (string, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return "reply to " + messages[len(messages)-1].Content, nil
	}

	h.send(textMsg("/start"))
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.d.Dispatch(context.Background(), dispatch.Request{Message: textMsg("q")})
			assert.NoError(t, res.Err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	history, err := h.registry.Snapshot(userID)
	require.NoError(t, err)
	require.Len(t, history, 8)
	for i, turn := range history {
		if i%2 == 0 {
			assert.Equal(t, ctxpkg.RoleUser, turn.Role)
		} else {
			assert.Equal(t, ctxpkg.RoleAssistant, turn.Role)
		}
	}
}
