package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	cmdpkg "github.com/stupiduntilnot/buccaneer/internal/commander"
)

// maxMessageChars stays below Telegram's 4096-character message limit.
const maxMessageChars = 3900

// maxFileBytes is the Bot API download limit.
const maxFileBytes = 20 << 20

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	fileBase   string
	httpClient *http.Client
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>") and file base URL
// (e.g. "https://api.telegram.org/file/bot<token>").
func NewClient(apiBase, fileBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase:  apiBase,
		fileBase: fileBase,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

var _ cmdpkg.Commander = (*Client)(nil)

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

type Update = cmdpkg.Update
type Message = cmdpkg.Message

type tgFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
}

// GetUpdates calls the getUpdates API.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message"]`)

	var updates []Update
	if err := c.call(ctx, http.MethodGet, "getUpdates?"+params.Encode(), nil, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// GetMe returns the bot's own account.
func (c *Client) GetMe(ctx context.Context) (cmdpkg.User, error) {
	var me cmdpkg.User
	if err := c.call(ctx, http.MethodGet, "getMe", nil, &me); err != nil {
		return cmdpkg.User{}, err
	}
	return me, nil
}

// SendMessage sends a text message to the given chat, as a reply when replyTo > 0.
func (c *Client) SendMessage(ctx context.Context, chatID, replyTo int64, text string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    truncate(text, maxMessageChars),
	}
	if replyTo > 0 {
		payload["reply_parameters"] = map[string]any{
			"message_id":                  replyTo,
			"allow_sending_without_reply": true,
		}
	}
	return c.call(ctx, http.MethodPost, "sendMessage", payload, nil)
}

// SendChatAction shows a presence indicator such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"action":  action,
	}
	return c.call(ctx, http.MethodPost, "sendChatAction", payload, nil)
}

// DownloadFile resolves fileID with getFile and downloads its contents.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, fmt.Errorf("telegram getFile: empty file_id")
	}

	var f tgFile
	params := url.Values{}
	params.Set("file_id", fileID)
	if err := c.call(ctx, http.MethodGet, "getFile?"+params.Encode(), nil, &f); err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, fmt.Errorf("telegram getFile: no file_path for %s", fileID)
	}
	if f.FileSize > maxFileBytes {
		return nil, fmt.Errorf("telegram getFile: file too large (%d bytes)", f.FileSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileBase+"/"+f.FilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram file download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram file download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("telegram file download status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read telegram file: %w", err)
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("telegram file exceeds %d bytes", maxFileBytes)
	}
	return data, nil
}

// call performs one Bot API method and decodes its result into out (if non-nil).
func (c *Client) call(ctx context.Context, httpMethod, method string, payload any, out any) error {
	name := method
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("telegram %s: marshal payload: %w", name, err)
		}
		body = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, c.apiBase+"/"+method, body)
	if err != nil {
		return fmt.Errorf("telegram %s request: %w", name, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read telegram %s response: %w", name, err)
	}

	var tgResp Response
	if err := json.Unmarshal(raw, &tgResp); err != nil {
		return fmt.Errorf("failed to parse telegram %s response status=%d: %w", name, resp.StatusCode, err)
	}
	if !tgResp.OK {
		return fmt.Errorf("telegram %s rejected code=%d: %s", name, tgResp.ErrorCode, tgResp.Description)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(tgResp.Result, out); err != nil {
		return fmt.Errorf("failed to parse telegram %s result: %w", name, err)
	}
	return nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
