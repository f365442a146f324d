// Package telegram sends workflow notifications through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/baja5b/claude-workflow-system/pkg/collab"
)

const (
	system          = "telegram"
	defaultBaseURL  = "https://api.telegram.org"
	maxMessageRunes = 4096
)

type Config struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Timeout  time.Duration
}

// Client implements collab.Notifier. Messages go to the configured chat; the
// channel argument only selects the transport and must be "telegram" or empty.
type Client struct {
	baseURL string
	token   string
	chatID  string
	http    *http.Client
}

var _ collab.Notifier = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, errors.New("telegram not configured: bot token and chat id are required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts a Markdown message. A false return with a nil error never
// happens; every failed delivery carries an error.
func (c *Client) Send(ctx context.Context, channel, message string) (bool, error) {
	if channel != "" && channel != system {
		return false, fmt.Errorf("unsupported notification channel %q", channel)
	}
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                c.chatID,
		Text:                  truncate(message, maxMessageRunes),
		ParseMode:             "Markdown",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return false, errors.Wrap(err, "encode telegram message")
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, errors.Wrap(err, "build telegram request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// the URL carries the bot token
		return false, collab.Unavailable(system, errors.New(redact(err.Error(), c.token)))
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, collab.Unavailable(system, errors.Wrapf(err, "decode response (status %d)", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		return false, collab.Unavailable(system, fmt.Errorf("sendMessage failed with %d: %s", resp.StatusCode, out.Description))
	}
	return true, nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "***")
}
