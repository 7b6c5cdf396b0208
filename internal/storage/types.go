package storage

import (
	"context"
	"errors"
	"time"

	"skytask/internal/model"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (default)
//   - "sqlite": SQLite database file (pure Go, modernc.org/sqlite)
//   - "postgres": DSN via lib/pq
//   - "mysql": DSN via go-sql-driver/mysql
type Config struct {
	Driver      string
	Path        string // sqlite only
	DSN         string // postgres/mysql
	BusyTimeout time.Duration
}

// TenantRecord is a stored tenant row. Codes are lower-case.
type TenantRecord struct {
	ID   int64
	Code string
	Name string
}

// JobRecord is the durable job descriptor of one task.
type JobRecord struct {
	Key        string
	TaskID     int64
	TenantID   int64
	TenantCode string
	UpdatedAt  time.Time
}

type TriggerKind string

const (
	TriggerCron TriggerKind = "CRON"
	TriggerRate TriggerKind = "RATE"
	TriggerOnce TriggerKind = "ONCE"
)

// TriggerRecord is a durable fire instruction attached to a job.
// RetryOf is the instance id a retry trigger was scheduled for.
type TriggerRecord struct {
	Key        string
	JobKey     string
	TaskID     int64
	TenantID   int64
	TenantCode string
	Kind       TriggerKind
	Spec       string
	Timezone   string
	Interval   time.Duration
	FireAt     time.Time
	Attempt    int
	RetryOf    string
	CreatedAt  time.Time
}

// AuditEntry records a policy-driven or operator mutation.
type AuditEntry struct {
	At       time.Time
	TenantID int64
	Actor    string
	Action   string
	Target   string
	OK       bool
	Error    string
	MetaJSON string
}

type TaskStore interface {
	CreateTask(ctx context.Context, t *model.Task) error
	UpdateTask(ctx context.Context, t *model.Task) error
	DeleteTask(ctx context.Context, tenantID, id int64) error
	GetTask(ctx context.Context, tenantID, id int64) (model.Task, error)
	FindTaskByName(ctx context.Context, tenantID int64, name string) (model.Task, bool, error)
	ListTasks(ctx context.Context, tenantID int64) ([]model.Task, error)
	ListAllTasks(ctx context.Context) ([]model.Task, error)
}

type InstanceStore interface {
	CreateInstance(ctx context.Context, in *model.Instance) error
	UpdateInstance(ctx context.Context, in *model.Instance) error
	// CompleteInstance writes in only while the stored status is still from.
	// It reports false, with no write, when another caller got there first.
	CompleteInstance(ctx context.Context, in *model.Instance, from model.InstanceStatus) (bool, error)
	GetInstance(ctx context.Context, tenantID int64, instanceID string) (model.Instance, error)
	ListInstances(ctx context.Context, tenantID, taskID int64, limit int) ([]model.Instance, error)
}

type RetryStore interface {
	CreateRetry(ctx context.Context, r *model.RetryRecord) error
	MarkRetryFired(ctx context.Context, tenantID int64, instanceID string, retryNo int) error
	ListRetries(ctx context.Context, tenantID int64, instanceID string) ([]model.RetryRecord, error)
}

type TenantStore interface {
	CreateTenant(ctx context.Context, t *TenantRecord) error
	GetTenantByCode(ctx context.Context, code string) (TenantRecord, error)
	GetTenantByID(ctx context.Context, id int64) (TenantRecord, error)
	ListTenants(ctx context.Context) ([]TenantRecord, error)
}

// JobStore backs the trigger engine. DeleteJob removes the job and its triggers.
type JobStore interface {
	SaveJob(ctx context.Context, j JobRecord) error
	GetJob(ctx context.Context, key string) (JobRecord, bool, error)
	DeleteJob(ctx context.Context, key string) error
	SaveTrigger(ctx context.Context, t TriggerRecord) error
	DeleteTrigger(ctx context.Context, key string) error
	DeleteTriggersForJob(ctx context.Context, jobKey string) error
	ListTriggers(ctx context.Context) ([]TriggerRecord, error)
}

// LeaseStore backs the distributed lock. A lease is held by owner until it expires.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// Store is the full persistence API used by the scheduler core.
type Store interface {
	TaskStore
	InstanceStore
	RetryStore
	TenantStore
	JobStore
	LeaseStore

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, tenantID int64, limit int) ([]AuditEntry, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}
