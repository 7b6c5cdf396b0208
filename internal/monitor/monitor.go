// Package monitor keeps a rolling failure rate per (tenant, task), raises an
// escalation when it crosses the threshold and auto-disables the task.
package monitor

import (
	"context"
	"sync"
	"time"

	"skytask/internal/model"
	"skytask/internal/observability"
	"skytask/internal/tenant"
	logx "skytask/pkg/logx"
)

type Config struct {
	Window time.Duration
	// Threshold is a failure percentage (0-100).
	Threshold  float64
	MinSamples int
	Cooldown   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.Threshold <= 0 {
		c.Threshold = 30
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Minute
	}
	return c
}

// Publisher carries escalations to the recovery side.
type Publisher interface {
	Publish(ctx context.Context, ev model.EscalationEvent) error
}

type windowKey struct {
	tenantID int64
	taskID   int64
}

// window is a reset-on-expiry counter pair. Its mutex makes every update
// for one (tenant, task) single-writer.
type window struct {
	mu             sync.Mutex
	start          time.Time
	success        int
	failure        int
	lastEscalation time.Time
}

// Stats is a read-only view of one window.
type Stats struct {
	TenantID       int64     `json:"tenantId"`
	TaskID         int64     `json:"taskId"`
	WindowStart    time.Time `json:"windowStart"`
	Success        int       `json:"success"`
	Failure        int       `json:"failure"`
	LastEscalation time.Time `json:"lastEscalation,omitempty"`
}

// Monitor implements execution.OutcomeRecorder.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	windows map[windowKey]*window

	pub     Publisher
	log     logx.Logger
	metrics *observability.Registry
	now     func() time.Time
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option        { return func(m *Monitor) { m.now = now } }
func WithMetrics(r *observability.Registry) Option { return func(m *Monitor) { m.metrics = r } }

func New(cfg Config, pub Publisher, log logx.Logger, opts ...Option) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		windows: map[windowKey]*window{},
		pub:     pub,
		log:     log.With(logx.String("comp", "monitor")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply swaps thresholds. Existing windows keep their counts.
func (m *Monitor) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Monitor) window(k windowKey) (*window, Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.windows[k]
	if w == nil {
		w = &window{}
		m.windows[k] = w
	}
	return w, m.cfg
}

// RecordResult counts one completed execution. It escalates when the failure
// rate over at least MinSamples reaches Threshold, at most once per Cooldown.
func (m *Monitor) RecordResult(t tenant.Tenant, task model.Task, success bool) {
	w, cfg := m.window(windowKey{tenantID: t.ID, taskID: task.ID})
	now := m.now()

	w.mu.Lock()
	if w.start.IsZero() || now.Sub(w.start) > cfg.Window {
		w.start, w.success, w.failure = now, 0, 0
	}
	if success {
		w.success++
	} else {
		w.failure++
	}
	total := w.success + w.failure
	rate := float64(w.failure) * 100 / float64(total)
	escalate := total >= cfg.MinSamples &&
		rate >= cfg.Threshold &&
		(w.lastEscalation.IsZero() || now.Sub(w.lastEscalation) >= cfg.Cooldown)
	if escalate {
		w.lastEscalation = now
	}
	w.mu.Unlock()

	if !escalate {
		return
	}
	ev := model.EscalationEvent{
		TaskID:      task.ID,
		TenantID:    t.ID,
		TenantCode:  t.Code,
		TaskName:    task.Name,
		FailureRate: rate,
		SampleCount: total,
	}
	m.metrics.Inc(observability.EscalationsTotal, nil)
	m.log.Warn("failure rate over threshold", logx.Tenant(t.Code), logx.Int64("task", task.ID),
		logx.Float64("rate", rate), logx.Int("samples", total))
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(context.Background(), ev); err != nil {
		m.log.Error("escalation not published", logx.Int64("task", task.ID), logx.Err(err))
	}
}

// Stats returns the window of one task, ok=false when nothing was recorded.
func (m *Monitor) Stats(t tenant.Tenant, taskID int64) (Stats, bool) {
	m.mu.Lock()
	w := m.windows[windowKey{tenantID: t.ID, taskID: taskID}]
	m.mu.Unlock()
	if w == nil {
		return Stats{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{TenantID: t.ID, TaskID: taskID, WindowStart: w.start, Success: w.success,
		Failure: w.failure, LastEscalation: w.lastEscalation}, true
}

// Forget drops the window of a deleted task.
func (m *Monitor) Forget(t tenant.Tenant, taskID int64) {
	m.mu.Lock()
	delete(m.windows, windowKey{tenantID: t.ID, taskID: taskID})
	m.mu.Unlock()
}
