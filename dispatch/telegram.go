package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// TelegramConfig is the per-channel JSON config for Telegram delivery.
type TelegramConfig struct {
	// BotToken is the Telegram bot API token (from @BotFather).
	BotToken string `json:"bot_token,omitempty"`
	// BotTokenEnv names an environment variable holding the token.
	// Preferred over inlining the secret in config.
	BotTokenEnv string `json:"bot_token_env,omitempty"`
	// ChatID is the destination chat (user, group, or channel ID).
	ChatID string `json:"chat_id"`
	// DisablePreview suppresses link previews on sent messages.
	DisablePreview bool `json:"disable_preview,omitempty"`
	// APIBase overrides the bot API endpoint. Tests point it at an
	// httptest server.
	APIBase string `json:"api_base,omitempty"`
}

// TelegramFactory returns a ChannelFactory for Telegram bot API delivery.
//
// Config example:
//
//	{"bot_token_env": "BOT_TOKEN", "chat_id": "-1001234567890"}
func TelegramFactory() ChannelFactory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg TelegramConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("telegram: parse config: %w", err)
		}
		if cfg.BotToken == "" && cfg.BotTokenEnv != "" {
			cfg.BotToken = os.Getenv(cfg.BotTokenEnv)
		}
		if cfg.BotToken == "" {
			return nil, fmt.Errorf("telegram: bot token is required (bot_token or bot_token_env)")
		}
		if cfg.ChatID == "" {
			return nil, fmt.Errorf("telegram: chat_id is required")
		}
		if cfg.APIBase == "" {
			cfg.APIBase = "https://api.telegram.org"
		}
		return newTelegramChannel(name, cfg), nil
	}
}

// telegramChannel implements Channel over the Telegram bot HTTP API.
type telegramChannel struct {
	name   string
	config TelegramConfig
	client *http.Client

	mu     sync.Mutex
	closed bool
	status ChannelStatus
}

func newTelegramChannel(name string, cfg TelegramConfig) *telegramChannel {
	return &telegramChannel{
		name:   name,
		config: cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		status: ChannelStatus{
			Connected: true,
			Platform:  "telegram",
		},
	}
}

type telegramSendRequest struct {
	ChatID             string `json:"chat_id"`
	Text               string `json:"text"`
	ParseMode          string `json:"parse_mode,omitempty"`
	DisableWebPreview  bool   `json:"disable_web_page_preview,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters"`
}

func (c *telegramChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ErrSendFailed{Channel: c.name, Platform: "telegram",
			Cause: fmt.Errorf("channel closed")}
	}
	c.mu.Unlock()

	text := msg.Text
	if msg.Subject != "" {
		text = "*" + msg.Subject + "*\n" + text
	}

	body, err := json.Marshal(telegramSendRequest{
		ChatID:            c.config.ChatID,
		Text:              text,
		ParseMode:         "Markdown",
		DisableWebPreview: c.config.DisablePreview,
	})
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "telegram", Cause: err}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.config.APIBase, c.config.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "telegram", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "telegram", Cause: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var tr telegramResponse
	if err := json.Unmarshal(respBody, &tr); err != nil || !tr.OK {
		c.setError(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, tr.Description))
		return &ErrSendFailed{Channel: c.name, Platform: "telegram",
			Cause: fmt.Errorf("api error %d: %s", resp.StatusCode, tr.Description)}
	}

	c.mu.Lock()
	c.status.LastMessage = time.Now()
	c.status.Error = ""
	c.mu.Unlock()
	return nil
}

func (c *telegramChannel) setError(s string) {
	c.mu.Lock()
	c.status.Error = s
	c.mu.Unlock()
}

func (c *telegramChannel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *telegramChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.status.Connected = false
	return nil
}
