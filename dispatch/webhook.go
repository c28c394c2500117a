package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// WebhookConfig is the per-channel JSON config for outbound webhooks.
type WebhookConfig struct {
	// URL receives a JSON POST per message.
	URL string `json:"url"`
	// Secret, when set, signs the body: X-Signature-256 carries
	// "sha256=" plus the hex HMAC-SHA256 of the payload.
	Secret string `json:"secret,omitempty"`
	// Timeout bounds each POST. Defaults to 30s.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// WebhookFactory returns a ChannelFactory that POSTs messages as JSON to a
// fixed URL. This lets any external system (Slack-compatible bridges,
// custom bots) consume vigil notifications without a platform SDK.
//
// Config example:
//
//	{"url": "https://hooks.example.com/vigil", "secret": "hmac_key"}
func WebhookFactory() ChannelFactory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg WebhookConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("webhook: parse config: %w", err)
		}
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook: url is required")
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 30 * time.Second
		}
		return newWebhookChannel(name, cfg), nil
	}
}

type webhookChannel struct {
	name   string
	config WebhookConfig
	client *http.Client

	mu     sync.Mutex
	closed bool
	status ChannelStatus
}

func newWebhookChannel(name string, cfg WebhookConfig) *webhookChannel {
	return &webhookChannel{
		name:   name,
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		status: ChannelStatus{
			Connected: true,
			Platform:  "webhook",
		},
	}
}

func (c *webhookChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ErrSendFailed{Channel: c.name, Platform: "webhook",
			Cause: fmt.Errorf("channel closed")}
	}
	c.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "webhook", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "webhook", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	if c.config.Secret != "" {
		mac := hmac.New(sha256.New, []byte(c.config.Secret))
		mac.Write(body)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "webhook", Cause: err}
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.mu.Lock()
		c.status.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		c.mu.Unlock()
		return &ErrSendFailed{Channel: c.name, Platform: "webhook",
			Cause: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	c.mu.Lock()
	c.status.LastMessage = time.Now()
	c.status.Error = ""
	c.mu.Unlock()
	return nil
}

func (c *webhookChannel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *webhookChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.status.Connected = false
	return nil
}
