// Package telegram is a minimal Bot API client: long-poll updates in,
// messages out, plus file download for voice notes.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type Client struct {
	apiBase    string
	fileBase   string
	httpClient *http.Client
}

// NewClient builds a client for the given bot token.
func NewClient(token string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase:    "https://api.telegram.org/bot" + token,
		fileBase:   "https://api.telegram.org/file/bot" + token,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// NewClientWithBase is used by tests to point the client at a local server.
func NewClientWithBase(apiBase, fileBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase:    apiBase,
		fileBase:   fileBase,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type Voice struct {
	FileID string `json:"file_id"`
}

type WebAppData struct {
	Data string `json:"data"`
}

type Message struct {
	MessageID  int64       `json:"message_id"`
	From       *User       `json:"from,omitempty"`
	Chat       Chat        `json:"chat"`
	Date       int64       `json:"date"`
	Text       string      `json:"text,omitempty"`
	Voice      *Voice      `json:"voice,omitempty"`
	WebAppData *WebAppData `json:"web_app_data,omitempty"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// response is the generic Bot API envelope.
type response struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result"`
}

func (c *Client) call(ctx context.Context, method string, params url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = params.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}
	var env response
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("telegram %s: parse response: %w", method, err)
	}
	if !env.OK {
		return fmt.Errorf("telegram %s: api error: %s", method, env.Description)
	}
	if result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("telegram %s: parse result: %w", method, err)
		}
	}
	return nil
}

// GetUpdates long-polls for new updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeoutSec))

	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(chatID, 10))
	params.Set("text", text)
	return c.call(ctx, "sendMessage", params, nil)
}

func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(chatID, 10))
	params.Set("action", action)
	return c.call(ctx, "sendChatAction", params, nil)
}

type fileInfo struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

// DownloadFile resolves a file id and fetches its bytes.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	params := url.Values{}
	params.Set("file_id", fileID)

	var fi fileInfo
	if err := c.call(ctx, "getFile", params, &fi); err != nil {
		return nil, err
	}
	if fi.FilePath == "" {
		return nil, fmt.Errorf("telegram getFile: empty file path for %s", fileID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileBase+"/"+fi.FilePath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram download %s: %w", fi.FilePath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram download %s: status %d", fi.FilePath, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
