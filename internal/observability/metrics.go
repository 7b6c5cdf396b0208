// Package observability holds the metrics registry and tracing setup.
package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Metric names emitted by the core.
const (
	ExecutionsTotal       = "skytask_executions_total"
	SchedulingDelayMs     = "skytask_scheduling_delay_ms"
	DispatchDurationMs    = "skytask_dispatch_duration_ms"
	RetriesScheduledTotal = "skytask_retries_scheduled_total"
	AdmissionSkipsTotal   = "skytask_admission_skips_total"
	EscalationsTotal      = "skytask_escalations_total"
	AutoDisabledTotal     = "skytask_tasks_auto_disabled_total"
	NodesAutoOfflineTotal = "skytask_nodes_auto_offline_total"
	ShardMigrationsTotal  = "skytask_shard_migrations_total"
	NodesOnline           = "skytask_nodes_online"
	NodesOffline          = "skytask_nodes_offline"
	NotificationsTotal    = "skytask_notifications_total"
	DispatchQueueLen      = "skytask_dispatch_queue_len"
	DispatchInFlight      = "skytask_dispatch_in_flight"
)

type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type SummaryPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Sum    float64           `json:"sum"`
	Count  uint64            `json:"count"`
}

type Snapshot struct {
	Counters  []MetricPoint  `json:"counters"`
	Gauges    []MetricPoint  `json:"gauges"`
	Summaries []SummaryPoint `json:"summaries"`
}

type metricEntry struct {
	name   string
	labels map[string]string
	value  float64
	count  uint64
}

// Registry is a small in-process metrics sink rendered in Prometheus text format.
type Registry struct {
	mu        sync.Mutex
	counters  map[string]metricEntry
	gauges    map[string]metricEntry
	summaries map[string]metricEntry
}

func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]metricEntry),
		gauges:    make(map[string]metricEntry),
		summaries: make(map[string]metricEntry),
	}
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if r == nil || delta == 0 {
		return
	}
	k, lcopy := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.counters[k]
	if e.name == "" {
		e = metricEntry{name: name, labels: lcopy}
	}
	e.value += delta
	r.counters[k] = e
}

// Inc adds one to a counter.
func (r *Registry) Inc(name string, labels map[string]string) { r.IncCounter(name, labels, 1) }

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	if r == nil {
		return
	}
	k, lcopy := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[k] = metricEntry{name: name, labels: lcopy, value: value}
}

// Observe adds value to a sum+count summary.
func (r *Registry) Observe(name string, labels map[string]string, value float64) {
	if r == nil {
		return
	}
	k, lcopy := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.summaries[k]
	if e.name == "" {
		e = metricEntry{name: name, labels: lcopy}
	}
	e.value += value
	e.count++
	r.summaries[k] = e
}

// Counter returns the current value of one counter series (0 when absent).
func (r *Registry) Counter(name string, labels map[string]string) float64 {
	k, _ := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[k].value
}

func (r *Registry) Gauge(name string, labels map[string]string) float64 {
	k, _ := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[k].value
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		Counters:  make([]MetricPoint, 0, len(r.counters)),
		Gauges:    make([]MetricPoint, 0, len(r.gauges)),
		Summaries: make([]SummaryPoint, 0, len(r.summaries)),
	}
	for _, e := range r.counters {
		out.Counters = append(out.Counters, MetricPoint{Name: e.name, Labels: cloneMap(e.labels), Value: e.value})
	}
	for _, e := range r.gauges {
		out.Gauges = append(out.Gauges, MetricPoint{Name: e.name, Labels: cloneMap(e.labels), Value: e.value})
	}
	for _, e := range r.summaries {
		out.Summaries = append(out.Summaries, SummaryPoint{Name: e.name, Labels: cloneMap(e.labels), Sum: e.value, Count: e.count})
	}
	sort.Slice(out.Counters, func(i, j int) bool { return out.Counters[i].Name < out.Counters[j].Name })
	sort.Slice(out.Gauges, func(i, j int) bool { return out.Gauges[i].Name < out.Gauges[j].Name })
	sort.Slice(out.Summaries, func(i, j int) bool { return out.Summaries[i].Name < out.Summaries[j].Name })
	return out
}

func (r *Registry) RenderPrometheus() string {
	s := r.Snapshot()
	lines := make([]string, 0, len(s.Counters)+len(s.Gauges)+2*len(s.Summaries))
	for _, p := range s.Counters {
		lines = append(lines, formatPromLine(sanitizeMetricName(p.Name), p.Labels, p.Value))
	}
	for _, p := range s.Gauges {
		lines = append(lines, formatPromLine(sanitizeMetricName(p.Name), p.Labels, p.Value))
	}
	for _, p := range s.Summaries {
		name := sanitizeMetricName(p.Name)
		lines = append(lines, formatPromLine(name+"_sum", p.Labels, p.Sum))
		lines = append(lines, formatPromLine(name+"_count", p.Labels, float64(p.Count)))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func metricKey(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, name)
	copyLabels := make(map[string]string, len(labels))
	for _, k := range keys {
		v := labels[k]
		copyLabels[k] = v
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "|"), copyLabels
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sanitizeMetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "skytask_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if valid {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func formatPromLine(name string, labels map[string]string, value float64) string {
	if len(labels) == 0 {
		return name + " " + strconv.FormatFloat(value, 'f', -1, 64)
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", sanitizeMetricName(k), labels[k]))
	}
	return fmt.Sprintf("%s{%s} %s", name, strings.Join(parts, ","), strconv.FormatFloat(value, 'f', -1, 64))
}
