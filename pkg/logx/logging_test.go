package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Level
	}{
		{"trace", LevelTrace},
		{" DEBUG ", LevelDebug},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, parseLevel(c.in, LevelInfo), c.in)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing", String("k", "v"))
	l.With(Int("n", 1)).Error("still nothing")
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"), Tenant("acme"))
	l.Info("hello", Int64("task_id", 7), Err(errors.New("boom")), Tenant(""))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "test", m["comp"])
	assert.Equal(t, "acme", m["tenant"])
	assert.EqualValues(t, 7, m["task_id"])
	assert.Equal(t, "boom", m["err"])
	assert.Contains(t, m["caller"], "logging_test.go")
}

func TestFormatAlertJSON(t *testing.T) {
	t.Parallel()
	got := formatAlertJSON([]byte(`{"level":"warn","message":"task disabled","task_id":3,"time":"x"}`))
	assert.True(t, strings.HasPrefix(got, "[WARN] task disabled"))
	assert.Contains(t, got, "- task_id=3")
	assert.NotContains(t, got, "time=")

	assert.Equal(t, "plain", formatAlertJSON([]byte("plain\n")))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendAlert(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, text)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestAlertSinkForwardsWarnOnly(t *testing.T) {
	svc, l := New(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})
	defer svc.Close()
	sender := &captureSender{}
	svc.SetAlertSender(sender)

	l.Info("ignored")
	l.Warn("forwarded", String("k", "v"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	assert.Contains(t, sender.msgs[0], "forwarded")
	sender.mu.Unlock()
}

func TestAdapters(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "trace")

	CronLogger(l).Error(errors.New("bad"), "cron failed", "entry", 3, "dangling")
	assert.Contains(t, buf.String(), `"entry":3`)
	assert.Contains(t, buf.String(), `"extra":"dangling"`)

	buf.Reset()
	WatermillLogger(l).With(watermill.LogFields{"topic": "x"}).Info("published", nil)
	assert.Contains(t, buf.String(), `"topic":"x"`)
}
