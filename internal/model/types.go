// Package model holds the records shared by the scheduler core and the store.
package model

import (
	"strings"
	"time"
)

type TaskType string

const (
	TaskCron      TaskType = "CRON"
	TaskFixedRate TaskType = "FIXED_RATE"
	TaskOneTime   TaskType = "ONE_TIME"
)

type ExecutorKind string

const (
	ExecutorHTTP  ExecutorKind = "HTTP"
	ExecutorShell ExecutorKind = "SHELL"
	ExecutorFunc  ExecutorKind = "FUNC"
)

type RetryPolicy string

const (
	RetryExpBackoff    RetryPolicy = "EXP_BACKOFF"
	RetryFixedInterval RetryPolicy = "FIXED_INTERVAL"
	RetryNone          RetryPolicy = "NONE"
)

type InstanceStatus string

const (
	StatusRunning        InstanceStatus = "RUNNING"
	StatusSuccess        InstanceStatus = "SUCCESS"
	StatusFailed         InstanceStatus = "FAILED"
	StatusRetryScheduled InstanceStatus = "RETRY_SCHEDULED"
)

type RetryStatus string

const (
	RetryScheduled RetryStatus = "SCHEDULED"
	RetryFired     RetryStatus = "FIRED"
)

// Trigger sources recorded on ExecutionInstance.TriggeredBy. Manual runs
// record the operator name instead when one is given.
const (
	TriggeredByScheduler = "SCHEDULER"
	TriggeredByManual    = "MANUAL"
)

const (
	DefaultTimezone       = "Asia/Shanghai"
	DefaultRetryBackoffMs = int64(60000)
	DefaultTimeoutSeconds = 300
)

// Task is a tenant-scoped task definition.
type Task struct {
	ID             int64          `json:"id"`
	TenantID       int64          `json:"tenantId"`
	Name           string         `json:"name"`
	Group          string         `json:"group,omitempty"`
	Description    string         `json:"description,omitempty"`
	Type           TaskType       `json:"type"`
	CronExpr       string         `json:"cronExpr,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`
	ExecutorKind   ExecutorKind   `json:"executorType"`
	Handler        string         `json:"handler"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	MaxRetry       int            `json:"maxRetry"`
	RetryBackoffMs int64          `json:"retryBackoffMs"`
	RetryPolicy    RetryPolicy    `json:"retryPolicy"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	Enabled        bool           `json:"enabled"`
	AlertEnabled   bool           `json:"alertEnabled"`
	CreatedBy      string         `json:"createdBy,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// ApplyDefaults fills blank optional fields the way task creation does.
func (t *Task) ApplyDefaults() {
	t.Name = strings.TrimSpace(t.Name)
	t.Type = TaskType(strings.ToUpper(strings.TrimSpace(string(t.Type))))
	t.ExecutorKind = ExecutorKind(strings.ToUpper(strings.TrimSpace(string(t.ExecutorKind))))
	t.RetryPolicy = RetryPolicy(strings.ToUpper(strings.TrimSpace(string(t.RetryPolicy))))
	if strings.TrimSpace(t.Timezone) == "" {
		t.Timezone = DefaultTimezone
	}
	if t.ExecutorKind == "" {
		t.ExecutorKind = ExecutorHTTP
	}
	if t.RetryBackoffMs <= 0 {
		t.RetryBackoffMs = DefaultRetryBackoffMs
	}
	if t.MaxRetry < 0 {
		t.MaxRetry = 0
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{}
	}
}

func (t TaskType) Valid() bool {
	switch t {
	case TaskCron, TaskFixedRate, TaskOneTime:
		return true
	}
	return false
}

func (p RetryPolicy) Valid() bool {
	switch p {
	case RetryExpBackoff, RetryFixedInterval, RetryNone:
		return true
	}
	return false
}

func (s InstanceStatus) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// Instance is one concrete firing/attempt of a task.
type Instance struct {
	ID             int64          `json:"id"`
	TaskID         int64          `json:"taskId"`
	TenantID       int64          `json:"tenantId"`
	InstanceID     string         `json:"instanceId"`
	ScheduledTime  time.Time      `json:"scheduledTime"`
	TriggeredAt    time.Time      `json:"triggeredAt"`
	TriggeredBy    string         `json:"triggeredBy"`
	Status         InstanceStatus `json:"status"`
	Attempt        int            `json:"attempt"`
	Result         string         `json:"result,omitempty"`
	DurationMillis int64          `json:"durationMillis"`
	Node           string         `json:"node,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	FinishedAt     *time.Time     `json:"finishedAt,omitempty"`
}

// RetryRecord is created when a retry is scheduled and marked FIRED when it runs.
type RetryRecord struct {
	ID          int64       `json:"id"`
	TenantID    int64       `json:"tenantId"`
	TaskID      int64       `json:"taskId"`
	InstanceID  string      `json:"instanceId"`
	RetryNo     int         `json:"retryNo"`
	ScheduledAt time.Time   `json:"scheduledRetryTime"`
	Status      RetryStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// DispatchRequest is what an executor receives.
type DispatchRequest struct {
	InstanceID     string         `json:"instanceId"`
	Operator       string         `json:"operator"`
	Parameters     map[string]any `json:"parameters"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	Attempt        int            `json:"attempt"`
	TenantCode     string         `json:"tenantCode,omitempty"`
}

// ExecutionResult is reported by an executor, synchronously or via the worker callback.
type ExecutionResult struct {
	TaskID         int64          `json:"taskId"`
	InstanceID     string         `json:"instanceId"`
	Status         InstanceStatus `json:"status"`
	Message        string         `json:"message"`
	DurationMillis int64          `json:"durationMillis"`
	Attempt        int            `json:"attempt"`
}

// EscalationEvent flows from the failure monitor to auto-recovery.
type EscalationEvent struct {
	TaskID      int64   `json:"taskId"`
	TenantID    int64   `json:"tenantId"`
	TenantCode  string  `json:"tenantCode"`
	TaskName    string  `json:"taskName"`
	FailureRate float64 `json:"failureRate"`
	SampleCount int     `json:"sampleCount"`
}
