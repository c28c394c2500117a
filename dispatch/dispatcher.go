package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/vigil/extract"
)

// Config tunes the dispatcher.
type Config struct {
	// MaxRetries is the per-message retry budget after the first attempt.
	// Default: 3.
	MaxRetries int
	// Backoff is the initial retry delay, doubled per attempt. Default: 2s.
	Backoff time.Duration
	// MaxMessageSize bounds one message body in bytes. Default: 4000
	// (just under Telegram's 4096-character limit).
	MaxMessageSize int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Dispatcher formats new records into messages and delivers them through
// configured channels with bounded retry.
type Dispatcher struct {
	channels  map[string]Channel
	formatter *Formatter
	config    Config

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a Dispatcher over the given named channels.
func NewDispatcher(channels map[string]Channel, cfg Config) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		channels:  channels,
		formatter: NewFormatter(),
		config:    cfg,
		sleep:     sleepCtx,
	}
}

// Send batches the records into messages and delivers every message to
// every channel. All-or-nothing from the cycle's perspective: the first
// channel whose retry budget is exhausted fails the whole send with a
// DeliveryError, and the cycle will not commit the records.
func (d *Dispatcher) Send(ctx context.Context, subject string, records []extract.Record) error {
	if len(records) == 0 {
		return nil
	}
	log := d.config.Logger

	messages := d.formatter.Compose(subject, records, d.config.MaxMessageSize, time.Now())
	log.Debug("dispatch: composed", "records", len(records), "messages", len(messages))

	for name, ch := range d.channels {
		for _, msg := range messages {
			msg.ChannelName = name
			msg.Platform = ch.Status().Platform
			if err := d.sendWithRetry(ctx, name, ch, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Status reports the status of every channel by name.
func (d *Dispatcher) Status() map[string]ChannelStatus {
	out := make(map[string]ChannelStatus, len(d.channels))
	for name, ch := range d.channels {
		out[name] = ch.Status()
	}
	return out
}

// Close closes all channels.
func (d *Dispatcher) Close() error {
	for name, ch := range d.channels {
		if err := ch.Close(); err != nil {
			d.config.Logger.Warn("dispatch: close channel", "channel", name, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, name string, ch Channel, msg Message) error {
	log := d.config.Logger
	backoff := d.config.Backoff

	var lastErr error
	attempts := d.config.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = ch.Send(ctx, msg)
		if lastErr == nil {
			if attempt > 1 {
				log.Info("dispatch: delivered after retry", "channel", name, "attempt", attempt)
			}
			return nil
		}

		log.Warn("dispatch: send attempt failed",
			"channel", name, "attempt", attempt, "error", lastErr)

		if attempt == attempts {
			break
		}
		if err := d.sleep(ctx, backoff); err != nil {
			return &DeliveryError{Channel: name, Attempts: attempt, Cause: err}
		}
		backoff *= 2
	}

	return &DeliveryError{Channel: name, Attempts: attempts, Cause: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
