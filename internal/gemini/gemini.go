// Package gemini implements [model.Requester] for the Google Gemini API.
//
// It wraps the google.golang.org/genai SDK. System turns become the
// request's SystemInstruction; user and assistant turns map to the
// "user" and "model" roles.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	ctxpkg "github.com/stupiduntilnot/buccaneer/internal/context"
	"github.com/stupiduntilnot/buccaneer/internal/model"
)

const (
	providerName = "gemini"
	defaultModel = "gemini-2.5-flash"

	// DefaultImageInstruction is sent alongside every image.
	DefaultImageInstruction = "What's in this image? Describe it in detail."
	imageMIMEType           = "image/jpeg"
)

var _ model.Requester = (*Client)(nil)

// Client implements [model.Requester] on top of genai.
type Client struct {
	client          *genai.Client
	model           string
	visionMaxTokens int
	timeout         time.Duration
	baseURL         string
}

// Option configures a [Client].
type Option func(*Client)

// WithModel sets the model ID used for both text and images.
func WithModel(m string) Option {
	return func(c *Client) {
		if m != "" {
			c.model = m
		}
	}
}

// WithVisionMaxTokens caps the output of image descriptions.
func WithVisionMaxTokens(n int) Option {
	return func(c *Client) { c.visionMaxTokens = n }
}

// WithTimeout bounds every request. Zero leaves requests bounded only by ctx.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New creates a Gemini [Client] with the given API key and options.
func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	c := &Client{model: defaultModel}
	for _, o := range opts {
		o(c)
	}

	httpOpts := genai.HTTPOptions{BaseURL: c.baseURL}
	if c.timeout > 0 {
		httpOpts.Timeout = &c.timeout
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	c.client = gc
	return c, nil
}

// CompleteText generates the next assistant turn for the assembled conversation.
func (c *Client) CompleteText(ctx context.Context, messages []ctxpkg.Message) (string, error) {
	contents, system := ConvertMessages(messages)
	cfg := &genai.GenerateContentConfig{}
	if system != nil {
		cfg.SystemInstruction = system
	}
	return c.generate(ctx, "complete_text", contents, cfg)
}

// DescribeImage asks the model to describe a JPEG image.
func (c *Client) DescribeImage(ctx context.Context, image []byte) (string, error) {
	contents := []*genai.Content{ImageContent(image)}
	cfg := &genai.GenerateContentConfig{}
	if c.visionMaxTokens > 0 {
		cfg.MaxOutputTokens = int32(c.visionMaxTokens)
	}
	return c.generate(ctx, "describe_image", contents, cfg)
}

func (c *Client) generate(ctx context.Context, op string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	res, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		pe := &model.ProviderError{Provider: providerName, Op: op, Err: err}
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			pe.Status = apiErr.Code
		}
		return "", pe
	}
	text := strings.TrimSpace(res.Text())
	if text == "" {
		return "", &model.ProviderError{Provider: providerName, Op: op, Err: model.ErrEmptyResponse}
	}
	return text, nil
}

// ConvertMessages splits an assembled conversation into genai contents and
// an optional system instruction. Multiple system turns are joined.
// Exported for testing.
func ConvertMessages(msgs []ctxpkg.Message) ([]*genai.Content, *genai.Content) {
	var (
		contents []*genai.Content
		system   []string
	)
	for _, m := range msgs {
		switch m.Role {
		case ctxpkg.RoleSystem:
			system = append(system, m.Content)
		case ctxpkg.RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}
	if len(system) == 0 {
		return contents, nil
	}
	return contents, &genai.Content{
		Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}},
	}
}

// ImageContent builds the single user turn carrying the instruction and the
// inline image. Exported for testing.
func ImageContent(image []byte) *genai.Content {
	return &genai.Content{
		Role: "user",
		Parts: []*genai.Part{
			{Text: DefaultImageInstruction},
			{InlineData: &genai.Blob{MIMEType: imageMIMEType, Data: image}},
		},
	}
}
