package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "skytask/pkg/logx"
)

// LogSender writes notifications to the structured log.
type LogSender struct{ log logx.Logger }

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log.With(logx.String("comp", "notify.log"))}
}

func (l *LogSender) Channel() Channel { return ChannelLog }

func (l *LogSender) Send(_ context.Context, n Notification) error {
	l.log.Info(n.Subject, logx.Tenant(n.Tenant), logx.String("body", n.Body), logx.Int("priority", n.Priority))
	return nil
}

// EmailConfig configures plain SMTP delivery. Username/Password enable PLAIN auth.
type EmailConfig struct {
	Addr       string
	From       string
	Recipients []string
	Username   string
	Password   string
}

type EmailSender struct {
	cfg  EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailSender(cfg EmailConfig) (*EmailSender, error) {
	if strings.TrimSpace(cfg.Addr) == "" || strings.TrimSpace(cfg.From) == "" || len(cfg.Recipients) == 0 {
		return nil, errors.New("email: smtp_addr, from and recipients required")
	}
	return &EmailSender{cfg: cfg, send: smtp.SendMail}, nil
}

func (e *EmailSender) Channel() Channel { return ChannelEmail }

func (e *EmailSender) Send(ctx context.Context, n Notification) error {
	var auth smtp.Auth
	if e.cfg.Username != "" {
		host, _, err := net.SplitHostPort(e.cfg.Addr)
		if err != nil {
			return fmt.Errorf("email: %w", err)
		}
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, host)
	}
	msg := buildMail(e.cfg.From, e.cfg.Recipients, n.Subject, n.Body)
	// smtp.SendMail takes no context; bound it by running it aside.
	done := make(chan error, 1)
	go func() { done <- e.send(e.cfg.Addr, auth, e.cfg.From, e.cfg.Recipients, msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMail(from string, to []string, subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.NewReplacer("\r", " ", "\n", " ").Replace(subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

// TelegramConfig targets one chat (optionally a forum topic).
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// URL overrides the Bot API endpoint.
	URL string
}

type TelegramSender struct {
	cfg TelegramConfig
	bot *tele.Bot
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, errors.New("telegram: token and chat_id required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
		Client:  &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &TelegramSender{cfg: cfg, bot: b}, nil
}

func (t *TelegramSender) Channel() Channel { return ChannelTelegram }

func (t *TelegramSender) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, prefixForPriority(n.Priority)+n.Text(), &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              t.cfg.ThreadID,
	})
	return err
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

// WebhookSender POSTs a JSON document per notification.
type WebhookSender struct {
	url    string
	client *http.Client
}

func NewWebhookSender(url string, client *http.Client) (*WebhookSender, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook: url required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{url: url, client: client}, nil
}

func (w *WebhookSender) Channel() Channel { return ChannelWebhook }

type webhookBody struct {
	Tenant   string    `json:"tenant,omitempty"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	Priority int       `json:"priority"`
	At       time.Time `json:"at"`
}

func (w *WebhookSender) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(webhookBody{Tenant: n.Tenant, Subject: n.Subject, Body: n.Body, Priority: n.Priority, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}
