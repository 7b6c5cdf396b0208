package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skytask/internal/eventbus"
	"skytask/internal/observability"
	"skytask/internal/storage"
	logx "skytask/pkg/logx"
)

type recorder struct {
	ch    Channel
	fails int32
	mu    sync.Mutex
	got   []Notification
	calls atomic.Int32
}

func (r *recorder) Channel() Channel { return r.ch }

func (r *recorder) Send(_ context.Context, n Notification) error {
	if r.calls.Add(1) <= atomic.LoadInt32(&r.fails) {
		return errors.New("transient")
	}
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	return nil
}

func (r *recorder) sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func startService(t *testing.T, cfg Config, opts ...Option) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 100
	}
	cfg.RetryBase = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	s := New(cfg, logx.Nop(), eventbus.New(), opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotifyFansOutToChannels(t *testing.T) {
	t.Parallel()
	email := &recorder{ch: ChannelEmail}
	hook := &recorder{ch: ChannelWebhook}
	m := observability.NewRegistry()
	s := startService(t, Config{Channels: []Channel{ChannelEmail, ChannelWebhook, ChannelTelegram}},
		WithSender(email), WithSender(hook), WithMetrics(m))

	require.NoError(t, s.Notify(context.Background(), Notification{Tenant: "acme", Subject: "s", Body: "b"}))
	require.Eventually(t, func() bool { return len(email.sent()) == 1 && len(hook.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "acme", email.sent()[0].Tenant)
	assert.Equal(t, []Channel{ChannelEmail, ChannelWebhook}, s.Channels())
	assert.Equal(t, 1.0, m.Counter(observability.NotificationsTotal, map[string]string{"channel": "EMAIL", "result": "sent"}))
}

func TestNotifyRetriesThenGivesUp(t *testing.T) {
	t.Parallel()
	flaky := &recorder{ch: ChannelWebhook, fails: 2}
	s := startService(t, Config{RetryMax: 2, Channels: []Channel{ChannelWebhook}}, WithSender(flaky))
	require.NoError(t, s.Notify(context.Background(), Notification{Subject: "retry me"}))
	require.Eventually(t, func() bool { return len(flaky.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, flaky.calls.Load())

	dead := &recorder{ch: ChannelEmail, fails: 100}
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, eventbus.NotificationFailed)
	defer unsub()
	s2 := New(Config{Enabled: true, RetryMax: 1, RatePerSec: 100, RetryBase: time.Millisecond, Channels: []Channel{ChannelEmail}},
		logx.Nop(), bus, WithSender(dead))
	s2.Start(context.Background())
	defer s2.Stop(context.Background())
	require.NoError(t, s2.Notify(context.Background(), Notification{Subject: "lost"}))
	select {
	case ev := <-failed:
		assert.Equal(t, ChannelEmail, ev.Data.(NotificationEvent).Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event")
	}
	assert.EqualValues(t, 2, dead.calls.Load())
	hist := s2.Snapshot()
	require.NotEmpty(t, hist)
	assert.Equal(t, "transient", hist[len(hist)-1].Error)
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	rec := &recorder{ch: ChannelLog}
	s := startService(t, Config{DedupWindow: time.Minute, PersistDedup: true}, WithSender(rec), WithStore(st))
	ctx := context.Background()
	for range 5 {
		require.NoError(t, s.Notify(ctx, Notification{Subject: "same"}))
	}
	require.NoError(t, s.Notify(ctx, Notification{Subject: "other"}))
	require.Eventually(t, func() bool { return len(rec.sent()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.sent(), 2)

	require.Eventually(t, func() bool {
		_, ok, err := st.GetDedup(ctx, dedupKey(Notification{Subject: "same"}, ChannelLog))
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	off := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, off.Notify(context.Background(), Notification{Subject: "x"}), ErrDisabled)

	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	assert.ErrorIs(t, idle.Notify(context.Background(), Notification{Subject: "x"}), ErrStopped)

	block := make(chan struct{})
	defer close(block)
	slow := senderFunc{ch: ChannelLog, fn: func(context.Context, Notification) error { <-block; return nil }}
	s := startService(t, Config{Workers: 1, QueueSize: 1}, WithSender(slow))
	ctx := context.Background()
	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = s.Notify(ctx, Notification{Subject: "n", Body: strings.Repeat("x", i)})
	}
	assert.ErrorIs(t, err, ErrQueueFull)
}

type senderFunc struct {
	ch Channel
	fn func(context.Context, Notification) error
}

func (f senderFunc) Channel() Channel                               { return f.ch }
func (f senderFunc) Send(ctx context.Context, n Notification) error { return f.fn(ctx, n) }

func TestSendAlertSkipsLogChannel(t *testing.T) {
	t.Parallel()
	logRec := &recorder{ch: ChannelLog}
	mail := &recorder{ch: ChannelEmail}
	s := startService(t, Config{Channels: []Channel{ChannelLog, ChannelEmail}}, WithSender(logRec), WithSender(mail))
	require.NoError(t, s.SendAlert(context.Background(), "WARN lock busy\ndetails"))
	require.Eventually(t, func() bool { return len(mail.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "[SkyTask] WARN lock busy", mail.sent()[0].Subject)
	assert.Equal(t, "details", mail.sent()[0].Body)
	assert.Empty(t, logRec.sent())
}

func TestWebhookSender(t *testing.T) {
	t.Parallel()
	var got webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.Subject == "fail" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	w, err := NewWebhookSender(srv.URL, srv.Client())
	require.NoError(t, err)
	require.NoError(t, w.Send(context.Background(), Notification{Tenant: "acme", Subject: "hi", Body: "there", Priority: 5}))
	assert.Equal(t, "acme", got.Tenant)
	assert.Equal(t, "there", got.Body)
	assert.EqualError(t, w.Send(context.Background(), Notification{Subject: "fail"}), "webhook: status 502")

	_, err = NewWebhookSender(" ", nil)
	assert.Error(t, err)
}

func TestEmailSender(t *testing.T) {
	t.Parallel()
	_, err := NewEmailSender(EmailConfig{Addr: "smtp:25"})
	require.Error(t, err)

	e, err := NewEmailSender(EmailConfig{Addr: "mail.local:587", From: "ops@x", Recipients: []string{"a@x", "b@x"}, Username: "u", Password: "p"})
	require.NoError(t, err)
	var msg string
	var to []string
	e.send = func(addr string, a smtp.Auth, from string, rcpt []string, m []byte) error {
		assert.Equal(t, "mail.local:587", addr)
		assert.NotNil(t, a)
		to, msg = rcpt, string(m)
		return nil
	}
	require.NoError(t, e.Send(context.Background(), Notification{Subject: "line\nbreak", Body: "a\nb"}))
	assert.Equal(t, []string{"a@x", "b@x"}, to)
	assert.Contains(t, msg, "Subject: line break\r\n")
	assert.Contains(t, msg, "To: a@x, b@x\r\n")
	assert.True(t, strings.HasSuffix(msg, "a\r\nb\r\n"))
}

func TestTelegramSender(t *testing.T) {
	t.Parallel()
	var path, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		text, _ = m["text"].(string)
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}))
	defer srv.Close()

	_, err := NewTelegramSender(TelegramConfig{Token: "t"})
	require.Error(t, err)

	tg, err := NewTelegramSender(TelegramConfig{Token: "123:abc", ChatID: 42, URL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, tg.Send(context.Background(), Notification{Subject: "down", Body: "details", Priority: 9}))
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "🚨 down\n\ndetails", text)
}

func TestParseChannel(t *testing.T) {
	t.Parallel()
	c, ok := ParseChannel(" telegram ")
	assert.True(t, ok)
	assert.Equal(t, ChannelTelegram, c)
	_, ok = ParseChannel("pager")
	assert.False(t, ok)
}
