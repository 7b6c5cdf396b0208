package notifier

import (
	"context"
	"strings"
	"time"
)

// Channel names a delivery route.
type Channel string

const (
	ChannelLog      Channel = "LOG"
	ChannelEmail    Channel = "EMAIL"
	ChannelTelegram Channel = "TELEGRAM"
	ChannelWebhook  Channel = "WEBHOOK"
)

// ParseChannel is case-insensitive. ok is false for unknown names.
func ParseChannel(s string) (Channel, bool) {
	switch c := Channel(strings.ToUpper(strings.TrimSpace(s))); c {
	case ChannelLog, ChannelEmail, ChannelTelegram, ChannelWebhook:
		return c, true
	}
	return "", false
}

// Notification is one operator-facing message. An empty Channels list
// means the configured default channels.
type Notification struct {
	Tenant   string
	Subject  string
	Body     string
	Priority int
	Channels []Channel
}

func (n Notification) Text() string {
	if n.Body == "" {
		return n.Subject
	}
	if n.Subject == "" {
		return n.Body
	}
	return n.Subject + "\n\n" + n.Body
}

// Sender delivers to one channel.
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, n Notification) error
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Channels        []Channel
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel Channel   `json:"channel"`
	Subject string    `json:"subject"`
	Error   string    `json:"error,omitempty"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Channel Channel   `json:"channel"`
	Tenant  string    `json:"tenant,omitempty"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
