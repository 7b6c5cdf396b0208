package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"skytask/internal/errs"
	"skytask/internal/eventbus"
	"skytask/internal/model"
	"skytask/internal/notifier"
	"skytask/internal/observability"
	"skytask/internal/storage"
	"skytask/internal/tenant"
	logx "skytask/pkg/logx"
)

const ActionAutoDisable = "task.auto_disable"

// RecoveryStore is what auto-recovery reads and writes.
type RecoveryStore interface {
	GetTask(ctx context.Context, tenantID, id int64) (model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Unscheduler interface {
	Unschedule(ctx context.Context, t tenant.Tenant, taskID int64) error
}

type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

type RecoveryDeps struct {
	Store     RecoveryStore
	Scheduler Unscheduler
	// Notifier, Metrics and Bus are optional.
	Notifier Notifier
	Metrics  *observability.Registry
	Bus      eventbus.Bus
	Channels []notifier.Channel
	Now      func() time.Time
}

// Recovery disables escalated tasks. The disable is never rolled back by a
// notification failure.
type Recovery struct {
	d   RecoveryDeps
	log logx.Logger
	now func() time.Time
}

func NewRecovery(d RecoveryDeps, log logx.Logger) *Recovery {
	if log.IsZero() {
		log = logx.Nop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Recovery{d: d, log: log.With(logx.String("comp", "recovery")), now: now}
}

// Handle is a queue Handler.
func (r *Recovery) Handle(ctx context.Context, ev model.EscalationEvent) error {
	t := tenant.Tenant{ID: ev.TenantID, Code: ev.TenantCode}
	task, err := r.d.Store.GetTask(ctx, t.ID, ev.TaskID)
	if errs.IsNotFound(err) {
		r.log.Info("escalated task no longer exists", logx.Tenant(t.Code), logx.Int64("task", ev.TaskID))
		return nil
	}
	if err != nil {
		return err
	}

	action := "already disabled"
	if task.Enabled {
		task.Enabled = false
		task.UpdatedAt = r.now()
		if err := r.d.Store.UpdateTask(ctx, &task); err != nil {
			r.audit(ctx, t, ev, err)
			return fmt.Errorf("disable task %d: %w", task.ID, err)
		}
		if err := r.d.Scheduler.Unschedule(ctx, t, task.ID); err != nil && !errs.IsNotFound(err) {
			r.log.Error("trigger of disabled task not removed", logx.Tenant(t.Code), logx.Int64("task", task.ID), logx.Err(err))
		}
		action = "task disabled and trigger removed"
		r.d.Metrics.Inc(observability.AutoDisabledTotal, nil)
		r.audit(ctx, t, ev, nil)
		r.log.Warn("task auto-disabled", logx.Tenant(t.Code), logx.Int64("task", task.ID), logx.String("name", task.Name),
			logx.Float64("rate", ev.FailureRate), logx.Int("samples", ev.SampleCount), logx.String("actor", "system"))
		if r.d.Bus != nil {
			r.d.Bus.Publish(eventbus.Event{Type: eventbus.TaskDegraded, Time: r.now(), Tenant: t.ID, Data: ev})
		}
	}

	r.notify(ctx, t, task, ev, action)
	return nil
}

func (r *Recovery) audit(ctx context.Context, t tenant.Tenant, ev model.EscalationEvent, cause error) {
	meta, _ := json.Marshal(ev)
	e := storage.AuditEntry{
		At:       r.now(),
		TenantID: t.ID,
		Actor:    "system",
		Action:   ActionAutoDisable,
		Target:   fmt.Sprintf("task:%d", ev.TaskID),
		OK:       cause == nil,
		MetaJSON: string(meta),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	if err := r.d.Store.AppendAudit(ctx, e); err != nil {
		r.log.Error("audit row not written", logx.String("action", ActionAutoDisable), logx.Err(err))
	}
}

// notify sends the degradation notice. alertEnabled=false silences the
// notice only; the task is still disabled.
func (r *Recovery) notify(ctx context.Context, t tenant.Tenant, task model.Task, ev model.EscalationEvent, action string) {
	if r.d.Notifier == nil {
		return
	}
	if !task.AlertEnabled {
		r.log.Debug("degradation notice muted by task", logx.Tenant(t.Code), logx.Int64("task", task.ID), logx.String("action", action))
		return
	}
	n := notifier.Notification{
		Tenant:   t.Code,
		Subject:  Subject(task.Name, ev.FailureRate),
		Body:     fmt.Sprintf("tenant: %s\ntask id: %d\nfailure rate: %.2f%%\nsamples: %d\naction: %s", t.Code, task.ID, ev.FailureRate, ev.SampleCount, action),
		Priority: 9,
		Channels: r.d.Channels,
	}
	if err := r.d.Notifier.Notify(ctx, n); err != nil {
		r.log.Warn("degradation notice not sent", logx.Tenant(t.Code), logx.Int64("task", task.ID), logx.Err(err))
	}
}

// Subject formats the notification subject line.
func Subject(taskName string, rate float64) string {
	return fmt.Sprintf("[SkyTask] Task %s failure rate %.2f%%", taskName, rate)
}
