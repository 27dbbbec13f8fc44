package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ctxpkg "github.com/stupiduntilnot/buccaneer/internal/context"
	"github.com/stupiduntilnot/buccaneer/internal/model"
)

const providerName = "openai"

// DefaultImageInstruction is sent alongside every image.
const DefaultImageInstruction = "What's in this image? Describe it in detail."

// Config selects the endpoint and models of a Client.
type Config struct {
	APIKey          string
	URL             string
	TextModel       string
	VisionModel     string
	VisionMaxTokens int
	Timeout         time.Duration
}

// Client is a minimal OpenAI chat completions client.
type Client struct {
	apiKey          string
	url             string
	textModel       string
	visionModel     string
	visionMaxTokens int
	httpClient      *http.Client
}

var _ model.Requester = (*Client)(nil)

// NewClient creates an OpenAI client.
func NewClient(cfg Config) *Client {
	return &Client{
		apiKey:          cfg.APIKey,
		url:             cfg.URL,
		textModel:       cfg.TextModel,
		visionModel:     cfg.VisionModel,
		visionMaxTokens: cfg.VisionMaxTokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// chatMessage content is either a string or a list of content parts.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// CompleteText sends the assembled conversation to the text model.
func (c *Client) CompleteText(ctx context.Context, messages []ctxpkg.Message) (string, error) {
	req := chatRequest{
		Model:    c.textModel,
		Messages: make([]chatMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	return c.chatCompletion(ctx, "complete_text", req)
}

// DescribeImage sends the image as a base64 JPEG data URL to the vision model.
func (c *Client) DescribeImage(ctx context.Context, image []byte) (string, error) {
	req := chatRequest{
		Model: c.visionModel,
		Messages: []chatMessage{{
			Role: ctxpkg.RoleUser,
			Content: []contentPart{
				{Type: "text", Text: DefaultImageInstruction},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL(image)}},
			},
		}},
		MaxTokens: c.visionMaxTokens,
	}
	return c.chatCompletion(ctx, "describe_image", req)
}

func dataURL(image []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
}

func (c *Client) chatCompletion(ctx context.Context, op string, reqBody chatRequest) (string, error) {
	fail := func(status int, err error) (string, error) {
		return "", &model.ProviderError{Provider: providerName, Op: op, Status: status, Err: err}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fail(0, fmt.Errorf("failed to marshal openai request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fail(0, fmt.Errorf("failed to create openai request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(0, fmt.Errorf("openai request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("failed reading openai response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(resp.StatusCode, errors.New("non-success body="+truncate(string(body), 400)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("failed to parse openai response: %s", truncate(string(body), 400)))
	}

	if len(parsed.Choices) == 0 {
		return fail(resp.StatusCode, model.ErrEmptyResponse)
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return fail(resp.StatusCode, model.ErrEmptyResponse)
	}
	return content, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
