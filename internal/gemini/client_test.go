package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxpkg "github.com/stupiduntilnot/buccaneer/internal/context"
	"github.com/stupiduntilnot/buccaneer/internal/gemini"
	"github.com/stupiduntilnot/buccaneer/internal/model"
)

type capturedRequest struct {
	path   string
	apiKey string
	body   map[string]any
}

// fakeAPI serves generateContent with the given status and body and records
// the last request it saw.
func fakeAPI(t *testing.T, status int, body string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.apiKey = r.Header.Get("x-goog-api-key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func newClient(t *testing.T, baseURL string, opts ...gemini.Option) *gemini.Client {
	t.Helper()
	opts = append([]gemini.Option{gemini.WithBaseURL(baseURL), gemini.WithModel("gemini-test")}, opts...)
	c, err := gemini.New(context.Background(), "test-key", opts...)
	require.NoError(t, err)
	return c
}

const okBody = `{"candidates":[{"content":{"role":"model","parts":[{"text":"  Arr, hello!  "}]}}]}`

func TestCompleteText_SendsConversation(t *testing.T) {
	t.Parallel()

	srv, got := fakeAPI(t, http.StatusOK, okBody)
	out, err := newClient(t, srv.URL).CompleteText(context.Background(), []ctxpkg.Message{
		{Role: ctxpkg.RoleSystem, Content: "be a pirate"},
		{Role: ctxpkg.RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Arr, hello!", out)

	assert.True(t, strings.HasSuffix(got.path, "gemini-test:generateContent"), "path %q", got.path)
	assert.Equal(t, "test-key", got.apiKey)
	contents, _ := got.body["contents"].([]any)
	require.Len(t, contents, 1)
	system, _ := got.body["systemInstruction"].(map[string]any)
	require.NotNil(t, system)
	assert.Contains(t, system["parts"], map[string]any{"text": "be a pirate"})
	_, hasGenCfg := got.body["generationConfig"].(map[string]any)
	if hasGenCfg {
		assert.NotContains(t, got.body["generationConfig"], "maxOutputTokens")
	}
}

func TestDescribeImage_CapsOutputTokens(t *testing.T) {
	t.Parallel()

	srv, got := fakeAPI(t, http.StatusOK, `{"candidates":[{"content":{"role":"model","parts":[{"text":"A parrot."}]}}]}`)
	out, err := newClient(t, srv.URL, gemini.WithVisionMaxTokens(300)).
		DescribeImage(context.Background(), []byte{0xff, 0xd8, 0xff})
	require.NoError(t, err)
	assert.Equal(t, "A parrot.", out)

	genCfg, _ := got.body["generationConfig"].(map[string]any)
	require.NotNil(t, genCfg)
	assert.EqualValues(t, 300, genCfg["maxOutputTokens"])

	contents, _ := got.body["contents"].([]any)
	require.Len(t, contents, 1)
	parts, _ := contents[0].(map[string]any)["parts"].([]any)
	require.Len(t, parts, 2)
	inline, _ := parts[1].(map[string]any)["inlineData"].(map[string]any)
	require.NotNil(t, inline)
	assert.Equal(t, "image/jpeg", inline["mimeType"])
}

func TestCompleteText_ServerErrorIsProviderError(t *testing.T) {
	t.Parallel()

	srv, _ := fakeAPI(t, http.StatusInternalServerError,
		`{"error":{"code":500,"message":"boom","status":"INTERNAL"}}`)
	_, err := newClient(t, srv.URL).CompleteText(context.Background(),
		[]ctxpkg.Message{{Role: ctxpkg.RoleUser, Content: "hi"}})

	var pe *model.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "gemini", pe.Provider)
	assert.Equal(t, "complete_text", pe.Op)
	assert.Equal(t, http.StatusInternalServerError, pe.Status)
	assert.Contains(t, err.Error(), "boom")
}

func TestCompleteText_NoCandidatesIsEmptyResponse(t *testing.T) {
	t.Parallel()

	srv, _ := fakeAPI(t, http.StatusOK, `{"candidates":[]}`)
	_, err := newClient(t, srv.URL).CompleteText(context.Background(),
		[]ctxpkg.Message{{Role: ctxpkg.RoleUser, Content: "hi"}})

	assert.True(t, model.IsProviderError(err))
	assert.ErrorIs(t, err, model.ErrEmptyResponse)
}

func TestDescribeImage_BlankTextIsEmptyResponse(t *testing.T) {
	t.Parallel()

	srv, _ := fakeAPI(t, http.StatusOK, `{"candidates":[{"content":{"role":"model","parts":[{"text":"   "}]}}]}`)
	_, err := newClient(t, srv.URL).DescribeImage(context.Background(), []byte{1})

	var pe *model.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "describe_image", pe.Op)
	assert.ErrorIs(t, err, model.ErrEmptyResponse)
}

func TestCompleteText_Timeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
			_, _ = io.WriteString(w, okBody)
		}
	}))
	t.Cleanup(srv.Close)

	c := newClient(t, srv.URL, gemini.WithTimeout(100*time.Millisecond))
	start := time.Now()
	_, err := c.CompleteText(context.Background(), []ctxpkg.Message{{Role: ctxpkg.RoleUser, Content: "hi"}})

	require.Error(t, err)
	assert.True(t, model.IsProviderError(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, errors.Is(err, model.ErrEmptyResponse))
}
