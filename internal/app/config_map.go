package app

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"skytask/internal/catalog"
	"skytask/internal/config"
	"skytask/internal/execution"
	"skytask/internal/fleet"
	"skytask/internal/model"
	"skytask/internal/monitor"
	"skytask/internal/notifier"
	"skytask/internal/observability"
	"skytask/internal/storage"
	"skytask/internal/task/engine"
	"skytask/internal/task/scheduler"
	"skytask/internal/transport/httpapi"
	logx "skytask/pkg/logx"
)

const defaultMaxAttempts = 3

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

// mapStorageConfig returns the memory driver when the section is omitted.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "mysql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tz := strings.TrimSpace(sc.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	grace, err := config.ParseDurationOrDefault("scheduler.misfire_grace", sc.MisfireGrace, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Enabled: sc.Enabled, Timezone: tz, MisfireGrace: grace}, nil
}

func mapDispatchConfig(cfg *config.Config) (engine.Config, error) {
	dc := cfg.Dispatch
	if dc.Workers < 0 {
		return engine.Config{}, fmt.Errorf("dispatch.workers must be >= 0")
	}
	if dc.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("dispatch.queue_size must be >= 0")
	}
	if dc.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("dispatch.history_size must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(dc.QueueFullPolicy)) {
	case "", "reject", "caller_runs", "caller-runs", "callerruns":
	default:
		return engine.Config{}, fmt.Errorf("dispatch.queue_full_policy: unknown value %q", dc.QueueFullPolicy)
	}
	policy := engine.ParsePolicy(dc.QueueFullPolicy)
	out := engine.Config{
		// The pool runs whenever the scheduler does; manual triggers need it too.
		Enabled:     true,
		Workers:     dc.Workers,
		QueueSize:   dc.QueueSize,
		QueueFull:   policy,
		HistorySize: dc.HistorySize,
	}
	if out.Workers == 0 {
		out.Workers = 8
	}
	if out.QueueSize == 0 {
		out.QueueSize = 200
	}
	if out.HistorySize == 0 {
		out.HistorySize = 200
	}
	return out, nil
}

func mapRetryPolicy(cfg *config.Config) (model.RetryPolicy, error) {
	raw := strings.ToUpper(strings.TrimSpace(cfg.Retry.DefaultPolicy))
	if raw == "" {
		return model.RetryExpBackoff, nil
	}
	p := model.RetryPolicy(raw)
	if !p.Valid() {
		return "", fmt.Errorf("retry.default_policy: unknown value %q", cfg.Retry.DefaultPolicy)
	}
	return p, nil
}

func mapExecutionConfig(cfg *config.Config, node string) (execution.Config, error) {
	var d config.Durations
	ec := cfg.Execution
	out := execution.Config{
		DefaultTimeout:  d.Get("execution.default_timeout", ec.DefaultTimeout, 300*time.Second),
		DefaultBackoff:  d.Get("execution.default_backoff", ec.DefaultBackoff, 60*time.Second),
		LockWait:        d.Get("execution.lock_wait", ec.LockWait, 5*time.Second),
		LockHold:        d.Get("execution.lock_hold", ec.LockHold, 30*time.Second),
		CallbackTimeout: d.Get("execution.callback_timeout", ec.CallbackTimeout, 0),
		MaxDelay:        d.Get("retry.max_delay", cfg.Retry.MaxDelay, 30*time.Minute),
		HardDeadline:    ec.HardDeadline == nil || *ec.HardDeadline,
		Node:            node,
	}
	if err := d.Err(); err != nil {
		return execution.Config{}, err
	}
	policy, err := mapRetryPolicy(cfg)
	if err != nil {
		return execution.Config{}, err
	}
	out.DefaultPolicy = policy
	return out, nil
}

func mapCatalogDefaults(cfg *config.Config) (catalog.Defaults, error) {
	policy, err := mapRetryPolicy(cfg)
	if err != nil {
		return catalog.Defaults{}, err
	}
	backoff, err := config.ParseDurationOrDefault("execution.default_backoff", cfg.Execution.DefaultBackoff, 60*time.Second)
	if err != nil {
		return catalog.Defaults{}, err
	}
	maxRetry := defaultMaxAttempts
	if cfg.Retry.MaxAttempts != nil {
		if *cfg.Retry.MaxAttempts < 0 {
			return catalog.Defaults{}, fmt.Errorf("retry.max_attempts must be >= 0")
		}
		maxRetry = *cfg.Retry.MaxAttempts
	}
	return catalog.Defaults{
		MaxRetry:       maxRetry,
		RetryPolicy:    policy,
		RetryBackoffMs: backoff.Milliseconds(),
		Timezone:       strings.TrimSpace(cfg.Scheduler.Timezone),
	}, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, []notifier.Channel, error) {
	mc := cfg.Monitor
	if mc.FailureRateThreshold < 0 || mc.FailureRateThreshold > 100 {
		return monitor.Config{}, nil, fmt.Errorf("monitor.failure_rate_threshold must be within 0..100")
	}
	if mc.MinSamples < 0 {
		return monitor.Config{}, nil, fmt.Errorf("monitor.min_samples must be >= 0")
	}
	var d config.Durations
	out := monitor.Config{
		Window:     d.Get("monitor.window", mc.Window, 5*time.Minute),
		Threshold:  mc.FailureRateThreshold,
		MinSamples: mc.MinSamples,
		Cooldown:   d.Get("monitor.cooldown", mc.Cooldown, 10*time.Minute),
	}
	if err := d.Err(); err != nil {
		return monitor.Config{}, nil, err
	}
	raw := mc.Channels
	if len(raw) == 0 {
		raw = []string{"LOG", "EMAIL"}
	}
	chans, err := parseChannels("monitor.channels", raw)
	if err != nil {
		return monitor.Config{}, nil, err
	}
	return out, chans, nil
}

func parseChannels(path string, raw []string) ([]notifier.Channel, error) {
	out := make([]notifier.Channel, 0, len(raw))
	for _, r := range raw {
		c, ok := notifier.ParseChannel(r)
		if !ok {
			return nil, fmt.Errorf("%s: unknown channel %q", path, r)
		}
		out = append(out, c)
	}
	return out, nil
}

func mapFleetConfig(cfg *config.Config) (fleet.Config, error) {
	nc := cfg.Nodes
	if nc.Shards < 0 {
		return fleet.Config{}, fmt.Errorf("nodes.shards must be >= 0")
	}
	var d config.Durations
	out := fleet.Config{
		HeartbeatTimeout: d.Get("nodes.heartbeat_timeout", nc.HeartbeatTimeout, 90*time.Second),
		HealthInterval:   d.Get("nodes.health_check_interval", nc.HealthCheckInterval, 30*time.Second),
		Shards:           nc.Shards,
	}
	if out.Shards == 0 {
		out.Shards = 16
	}
	return out, d.Err()
}

func mapSelfNode(cfg *config.Config) (fleet.SelfConfig, error) {
	sc := cfg.Nodes.Self
	interval, err := config.ParseDurationOrDefault("nodes.self.interval", sc.Interval, 15*time.Second)
	if err != nil {
		return fleet.SelfConfig{}, err
	}
	id := strings.TrimSpace(sc.ID)
	if id == "" {
		id, _ = os.Hostname()
	}
	return fleet.SelfConfig{Enabled: sc.Enabled, ID: id, Cluster: strings.TrimSpace(sc.Cluster), Interval: interval}, nil
}

// mapNotifierConfig defaults to an enabled pipeline with only the LOG channel.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{Enabled: true, Channels: []notifier.Channel{notifier.ChannelLog}}, nil
	}
	nc := cfg.Notifier
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: numeric fields must be >= 0")
	}
	raw := nc.Channels
	if len(raw) == 0 {
		raw = []string{"LOG"}
	}
	chans, err := parseChannels("notifier.channels", raw)
	if err != nil {
		return notifier.Config{}, err
	}
	var d config.Durations
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Channels:        chans,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       d.Get("notifier.retry_base", nc.RetryBase, 0),
		RetryMaxDelay:   d.Get("notifier.retry_max_delay", nc.RetryMaxDelay, 0),
		SendTimeout:     d.Get("notifier.send_timeout", nc.SendTimeout, 0),
		DedupWindow:     d.Get("notifier.dedup_window", nc.DedupWindow, 5*time.Minute),
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}
	return out, d.Err()
}

// notifierSenders builds one sender per configured channel. LOG is always present.
func notifierSenders(cfg *config.Config, log logx.Logger, client *http.Client) ([]notifier.Sender, error) {
	out := []notifier.Sender{notifier.NewLogSender(log)}
	nc := cfg.Notifier
	if nc == nil {
		return out, nil
	}
	if e := nc.Email; e != nil {
		snd, err := notifier.NewEmailSender(notifier.EmailConfig{
			Addr:       e.SMTPAddr,
			From:       e.From,
			Recipients: e.Recipients,
			Username:   e.Username,
			Password:   e.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("notifier.email: %w", err)
		}
		out = append(out, snd)
	}
	if tg := nc.Telegram; tg != nil {
		snd, err := notifier.NewTelegramSender(notifier.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID})
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		out = append(out, snd)
	}
	if wh := nc.Webhook; wh != nil {
		snd, err := notifier.NewWebhookSender(wh.URL, client)
		if err != nil {
			return nil, fmt.Errorf("notifier.webhook: %w", err)
		}
		out = append(out, snd)
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	var d config.Durations
	out := httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   d.Get("http.read_timeout", hc.ReadTimeout, 15*time.Second),
		WriteTimeout:  d.Get("http.write_timeout", hc.WriteTimeout, 60*time.Second),
		IdleTimeout:   d.Get("http.idle_timeout", hc.IdleTimeout, 60*time.Second),
	}
	if err := d.Err(); err != nil {
		return httpapi.Config{}, err
	}
	if out.Addr == "" {
		out.Addr = httpapi.DefaultAddr
	}
	return out, nil
}

func mapTracingConfig(cfg *config.Config) (observability.TracingConfig, error) {
	exp := strings.ToLower(strings.TrimSpace(cfg.Tracing.Exporter))
	switch exp {
	case "", "none", "stdout":
	default:
		return observability.TracingConfig{}, fmt.Errorf("tracing.exporter: unknown value %q", cfg.Tracing.Exporter)
	}
	return observability.TracingConfig{Exporter: exp, Service: "skytask"}, nil
}
