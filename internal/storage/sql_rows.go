package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"skytask/internal/model"
)

type taskRow struct {
	ID             int64          `db:"id"`
	TenantID       int64          `db:"tenant_id"`
	Name           string         `db:"name"`
	Group          string         `db:"grp"`
	Description    sql.NullString `db:"description"`
	Type           string         `db:"type"`
	CronExpr       string         `db:"cron_expr"`
	Timezone       string         `db:"timezone"`
	ExecutorKind   string         `db:"executor_kind"`
	Handler        sql.NullString `db:"handler"`
	Params         sql.NullString `db:"params"`
	MaxRetry       int            `db:"max_retry"`
	RetryBackoffMs int64          `db:"retry_backoff_ms"`
	RetryPolicy    string         `db:"retry_policy"`
	TimeoutSeconds int            `db:"timeout_seconds"`
	Enabled        int            `db:"enabled"`
	AlertEnabled   int            `db:"alert_enabled"`
	CreatedBy      string         `db:"created_by"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
}

func toTaskRow(t model.Task) (taskRow, error) {
	params := "{}"
	if len(t.Parameters) > 0 {
		b, err := json.Marshal(t.Parameters)
		if err != nil {
			return taskRow{}, err
		}
		params = string(b)
	}
	return taskRow{
		ID:             t.ID,
		TenantID:       t.TenantID,
		Name:           t.Name,
		Group:          t.Group,
		Description:    sql.NullString{String: t.Description, Valid: t.Description != ""},
		Type:           string(t.Type),
		CronExpr:       t.CronExpr,
		Timezone:       t.Timezone,
		ExecutorKind:   string(t.ExecutorKind),
		Handler:        sql.NullString{String: t.Handler, Valid: t.Handler != ""},
		Params:         sql.NullString{String: params, Valid: true},
		MaxRetry:       t.MaxRetry,
		RetryBackoffMs: t.RetryBackoffMs,
		RetryPolicy:    string(t.RetryPolicy),
		TimeoutSeconds: t.TimeoutSeconds,
		Enabled:        boolInt(t.Enabled),
		AlertEnabled:   boolInt(t.AlertEnabled),
		CreatedBy:      t.CreatedBy,
		CreatedAt:      toMs(t.CreatedAt),
		UpdatedAt:      toMs(t.UpdatedAt),
	}, nil
}

func (r taskRow) model() (model.Task, error) {
	t := model.Task{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Name:           r.Name,
		Group:          r.Group,
		Description:    r.Description.String,
		Type:           model.TaskType(r.Type),
		CronExpr:       r.CronExpr,
		Timezone:       r.Timezone,
		ExecutorKind:   model.ExecutorKind(r.ExecutorKind),
		Handler:        r.Handler.String,
		MaxRetry:       r.MaxRetry,
		RetryBackoffMs: r.RetryBackoffMs,
		RetryPolicy:    model.RetryPolicy(r.RetryPolicy),
		TimeoutSeconds: r.TimeoutSeconds,
		Enabled:        r.Enabled != 0,
		AlertEnabled:   r.AlertEnabled != 0,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      fromMs(r.CreatedAt),
		UpdatedAt:      fromMs(r.UpdatedAt),
		Parameters:     map[string]any{},
	}
	if r.Params.Valid && r.Params.String != "" {
		if err := json.Unmarshal([]byte(r.Params.String), &t.Parameters); err != nil {
			return model.Task{}, fmt.Errorf("task %d params: %w", r.ID, err)
		}
	}
	return t, nil
}

type instanceRow struct {
	ID          int64          `db:"id"`
	TaskID      int64          `db:"task_id"`
	TenantID    int64          `db:"tenant_id"`
	InstanceID  string         `db:"instance_id"`
	ScheduledAt int64          `db:"scheduled_at"`
	TriggeredAt int64          `db:"triggered_at"`
	TriggeredBy string         `db:"triggered_by"`
	Status      string         `db:"status"`
	Attempt     int            `db:"attempt"`
	Result      sql.NullString `db:"result"`
	DurationMs  int64          `db:"duration_ms"`
	Node        string         `db:"node"`
	CreatedAt   int64          `db:"created_at"`
	FinishedAt  sql.NullInt64  `db:"finished_at"`
}

func toInstanceRow(in model.Instance) instanceRow {
	r := instanceRow{
		ID:          in.ID,
		TaskID:      in.TaskID,
		TenantID:    in.TenantID,
		InstanceID:  in.InstanceID,
		ScheduledAt: toMs(in.ScheduledTime),
		TriggeredAt: toMs(in.TriggeredAt),
		TriggeredBy: in.TriggeredBy,
		Status:      string(in.Status),
		Attempt:     in.Attempt,
		Result:      sql.NullString{String: in.Result, Valid: in.Result != ""},
		DurationMs:  in.DurationMillis,
		Node:        in.Node,
		CreatedAt:   toMs(in.CreatedAt),
	}
	if in.FinishedAt != nil {
		r.FinishedAt = sql.NullInt64{Int64: toMs(*in.FinishedAt), Valid: true}
	}
	return r
}

func (r instanceRow) model() model.Instance {
	in := model.Instance{
		ID:             r.ID,
		TaskID:         r.TaskID,
		TenantID:       r.TenantID,
		InstanceID:     r.InstanceID,
		ScheduledTime:  fromMs(r.ScheduledAt),
		TriggeredAt:    fromMs(r.TriggeredAt),
		TriggeredBy:    r.TriggeredBy,
		Status:         model.InstanceStatus(r.Status),
		Attempt:        r.Attempt,
		Result:         r.Result.String,
		DurationMillis: r.DurationMs,
		Node:           r.Node,
		CreatedAt:      fromMs(r.CreatedAt),
	}
	if r.FinishedAt.Valid {
		t := fromMs(r.FinishedAt.Int64)
		in.FinishedAt = &t
	}
	return in
}

type retryRow struct {
	ID          int64  `db:"id"`
	TenantID    int64  `db:"tenant_id"`
	TaskID      int64  `db:"task_id"`
	InstanceID  string `db:"instance_id"`
	RetryNo     int    `db:"retry_no"`
	ScheduledAt int64  `db:"scheduled_at"`
	Status      string `db:"status"`
	CreatedAt   int64  `db:"created_at"`
}

func (r retryRow) model() model.RetryRecord {
	return model.RetryRecord{
		ID:          r.ID,
		TenantID:    r.TenantID,
		TaskID:      r.TaskID,
		InstanceID:  r.InstanceID,
		RetryNo:     r.RetryNo,
		ScheduledAt: fromMs(r.ScheduledAt),
		Status:      model.RetryStatus(r.Status),
		CreatedAt:   fromMs(r.CreatedAt),
	}
}

type tenantRow struct {
	ID   int64  `db:"id"`
	Code string `db:"code"`
	Name string `db:"name"`
}

type jobRow struct {
	Key        string `db:"job_key"`
	TaskID     int64  `db:"task_id"`
	TenantID   int64  `db:"tenant_id"`
	TenantCode string `db:"tenant_code"`
	UpdatedAt  int64  `db:"updated_at"`
}

type triggerRow struct {
	Key        string `db:"trigger_key"`
	JobKey     string `db:"job_key"`
	TaskID     int64  `db:"task_id"`
	TenantID   int64  `db:"tenant_id"`
	TenantCode string `db:"tenant_code"`
	Kind       string `db:"kind"`
	Spec       string `db:"spec"`
	Timezone   string `db:"timezone"`
	IntervalMs int64  `db:"interval_ms"`
	FireAt     int64  `db:"fire_at"`
	Attempt    int    `db:"attempt"`
	RetryOf    string `db:"retry_of"`
	CreatedAt  int64  `db:"created_at"`
}

func toTriggerRow(t TriggerRecord) triggerRow {
	return triggerRow{
		Key:        t.Key,
		JobKey:     t.JobKey,
		TaskID:     t.TaskID,
		TenantID:   t.TenantID,
		TenantCode: t.TenantCode,
		Kind:       string(t.Kind),
		Spec:       t.Spec,
		Timezone:   t.Timezone,
		IntervalMs: t.Interval.Milliseconds(),
		FireAt:     toMs(t.FireAt),
		Attempt:    t.Attempt,
		RetryOf:    t.RetryOf,
		CreatedAt:  toMs(t.CreatedAt),
	}
}

func (r triggerRow) record() TriggerRecord {
	return TriggerRecord{
		Key:        r.Key,
		JobKey:     r.JobKey,
		TaskID:     r.TaskID,
		TenantID:   r.TenantID,
		TenantCode: r.TenantCode,
		Kind:       TriggerKind(r.Kind),
		Spec:       r.Spec,
		Timezone:   r.Timezone,
		Interval:   time.Duration(r.IntervalMs) * time.Millisecond,
		FireAt:     fromMs(r.FireAt),
		Attempt:    r.Attempt,
		RetryOf:    r.RetryOf,
		CreatedAt:  fromMs(r.CreatedAt),
	}
}

type auditRow struct {
	At       int64          `db:"at"`
	TenantID int64          `db:"tenant_id"`
	Actor    string         `db:"actor"`
	Action   string         `db:"action"`
	Target   string         `db:"target"`
	OK       int            `db:"ok"`
	Err      sql.NullString `db:"err"`
	Meta     sql.NullString `db:"meta"`
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
