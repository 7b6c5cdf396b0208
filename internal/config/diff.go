package config

import (
	"reflect"
	"sort"
	"strings"

	logx "skytask/pkg/logx"
)

// restartSections only take effect after a restart.
var restartSections = map[string]bool{
	"storage": true, "http": true, "tracing": true, "dispatch.queue_size": true,
	"execution": true, "retry": true,
}

// SummarizeConfigChange lists the changed sections and safe log attrs
// describing the new values. Secrets (DSN, tokens, passwords) are never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		if oldCfg.Dispatch.QueueSize != newCfg.Dispatch.QueueSize {
			changed = append(changed, "dispatch.queue_size")
		}
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
			logx.String("dispatch.queue_full_policy", newCfg.Dispatch.QueueFullPolicy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Execution, newCfg.Execution) {
		changed = append(changed, "execution")
	}
	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		attrs = append(attrs, logx.String("retry.default_policy", newCfg.Retry.DefaultPolicy))
	}

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.String("monitor.window", newCfg.Monitor.Window),
			logx.Float64("monitor.threshold", newCfg.Monitor.FailureRateThreshold),
			logx.Int("monitor.min_samples", newCfg.Monitor.MinSamples),
		)
	}

	if oldCfg.Nodes != newCfg.Nodes {
		changed = append(changed, "nodes")
		attrs = append(attrs,
			logx.String("nodes.heartbeat_timeout", newCfg.Nodes.HeartbeatTimeout),
			logx.Bool("nodes.self_enabled", newCfg.Nodes.Self.Enabled),
		)
	}

	oN, nN := notifierOrDefault(oldCfg.Notifier), notifierOrDefault(newCfg.Notifier)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.String("notifier.channels", strings.Join(nN.Channels, ",")),
			logx.Int("notifier.workers", nN.Workers),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Bool("notifier.telegram_set", nN.Telegram != nil && nN.Telegram.Token != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.Bool("http.enabled", newCfg.HTTP.Enabled), logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Tracing != newCfg.Tracing {
		changed = append(changed, "tracing")
	}
	if !reflect.DeepEqual(oldCfg.Tenants, newCfg.Tenants) {
		changed = append(changed, "tenants")
		attrs = append(attrs, logx.Int("tenants.count", len(newCfg.Tenants)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections whose changes are not applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func notifierOrDefault(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{Enabled: true, Channels: []string{"LOG"}}
	}
	return *n
}
