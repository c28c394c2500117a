// Package dispatch delivers new-record notifications to chat channels.
//
// Records from one cycle are formatted and batched into messages bounded
// by the platform's message size, then pushed through a Channel with
// bounded retry. The dispatcher never persists anything: committing
// identifiers to the seen-set happens in the cycle, and only after Send
// returns nil.
package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one outbound chat message.
type Message struct {
	// ChannelName identifies the configured channel the message goes to.
	ChannelName string `json:"channel"`
	// Platform is "telegram" or "webhook".
	Platform string `json:"platform"`
	// Subject is a short headline (target name); platforms that have no
	// subject concept prepend it to the body.
	Subject string `json:"subject,omitempty"`
	// Text is the message body, Markdown.
	Text string `json:"text"`
	// Timestamp is when the message was composed.
	Timestamp time.Time `json:"timestamp"`
}

// ChannelStatus describes the current state of a channel connection.
type ChannelStatus struct {
	Connected   bool      `json:"connected"`
	Platform    string    `json:"platform"`
	LastMessage time.Time `json:"last_message"`
	Error       string    `json:"error,omitempty"`
}

// Channel is an outbound connection to a messaging platform.
type Channel interface {
	// Send pushes one message to the platform. A non-nil error means the
	// message was not delivered; the caller decides whether to retry.
	Send(ctx context.Context, msg Message) error

	// Status returns the current connection status.
	Status() ChannelStatus

	// Close releases platform resources. Send fails after Close.
	Close() error
}

// ChannelFactory creates a Channel from a name and per-channel JSON config.
type ChannelFactory func(name string, config json.RawMessage) (Channel, error)
