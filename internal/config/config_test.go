package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: DEBUG
  console: true
storage:
  driver: sqlite
  path: ./data/skytask.db
scheduler:
  enabled: true
  timezone: UTC
dispatch:
  workers: 4
  queue_full_policy: caller_runs
retry:
  default_policy: FIXED_INTERVAL
  max_attempts: 5
monitor:
  window: 2m
  failure_rate_threshold: 40
  channels: [LOG, WEBHOOK]
nodes:
  shards: 8
  self:
    enabled: true
    id: node-a
notifier:
  enabled: true
  channels: [LOG, WEBHOOK]
  webhook:
    url: http://127.0.0.1:9/hook
tenants:
  - code: acme
    name: Acme
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("skytask.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	require.NotNil(t, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, *cfg.Retry.MaxAttempts)
	assert.InDelta(t, 40.0, cfg.Monitor.FailureRateThreshold, 0.001)
	assert.Equal(t, []string{"LOG", "WEBHOOK"}, cfg.Monitor.Channels)
	assert.Equal(t, "node-a", cfg.Nodes.Self.ID)
	require.NotNil(t, cfg.Notifier)
	require.NotNil(t, cfg.Notifier.Webhook)
	assert.Equal(t, "acme", cfg.Tenants[0].Code)
	assert.Nil(t, cfg.Execution.HardDeadline)

	out, err := Encode("skytask.json", cfg)
	require.NoError(t, err)
	again, err := Decode("skytask.json", out)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)

	empty, err := Decode("empty.yml", nil)
	require.NoError(t, err)
	assert.Nil(t, empty.Storage)
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"scheduler":{"enabled":true,"workers":3}}`))
	assert.Error(t, err, "unknown key")

	_, err = Decode("c.json", []byte(`{"scheduler":{}} {"scheduler":{}}`))
	assert.ErrorContains(t, err, "trailing data")

	_, err = Decode("c.yaml", []byte("dispatch: [1, 2"))
	assert.Error(t, err)
}

func TestDurations(t *testing.T) {
	t.Parallel()
	var d Durations
	assert.Equal(t, 5*time.Minute, d.Get("monitor.window", "", 5*time.Minute))
	assert.Equal(t, 2*time.Second, d.Get("execution.lock_wait", "2s", 5*time.Second))
	assert.Equal(t, time.Minute, d.Get("execution.lock_hold", "0s", time.Minute))
	require.NoError(t, d.Err())

	assert.Equal(t, time.Second, d.Get("retry.max_delay", "soon", time.Second))
	d.Get("nodes.heartbeat_timeout", "-1s", time.Second)
	require.Error(t, d.Err())
	assert.Contains(t, d.Err().Error(), "retry.max_delay", "first error wins")

	_, err := ParseDurationField("x", "-3s")
	assert.Error(t, err)
}

func TestReloadPublishesOnlyAcceptedChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := writeFile(t, "skytask.json", `{"scheduler":{"enabled":true}}`)
	m := NewManager(path)
	cfg, err := m.Load(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.Scheduler.Enabled)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, published, "unchanged content")

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"enabled":false}}`), 0o600))
	published, err = m.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, published)
	got := <-sub
	assert.False(t, got.Scheduler.Enabled)
	assert.Same(t, got, m.Get())

	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Dispatch.Workers > 100 {
			return errors.New("dispatch.workers too large")
		}
		return nil
	})
	require.NoError(t, os.WriteFile(path, []byte(`{"dispatch":{"workers":500}}`), 0o600))
	published, err = m.Reload(ctx)
	assert.ErrorContains(t, err, "too large")
	assert.False(t, published)
	assert.False(t, m.Get().Scheduler.Enabled, "rejected config is not committed")
	assert.Equal(t, 0, m.Get().Dispatch.Workers)
}

func TestSlowSubscriberGetsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{HTTP: HTTPConfig{Addr: "b"}}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-sub)
	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "skytask.yaml", "scheduler:\n  enabled: true\n")
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load(context.Background())
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("scheduler:\n  enabled: true\n  timezone: UTC\n"), 0o600)
		select {
		case got = <-sub:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "UTC", got.Scheduler.Timezone)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Storage: &StorageConfig{Driver: "sqlite", Path: "a.db"}}
	newCfg := &Config{
		Storage: &StorageConfig{Driver: "postgres", DSN: "postgres://secret@db/x"},
		Monitor: MonitorConfig{Window: "1m"},
		Dispatch: DispatchConfig{
			QueueSize: 10,
		},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"dispatch", "dispatch.queue_size", "monitor", "storage"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"dispatch.queue_size", "storage"}, RestartRequired(sections))

	sections, _ = SummarizeConfigChange(nil, &Config{Notifier: &NotifierConfig{Enabled: true, Channels: []string{"LOG"}}})
	assert.Empty(t, sections, "explicit notifier equal to the default")
}
