// Package execution admits task firings, dispatches them to executors and
// applies their results, retries included.
package execution

import (
	"context"
	"time"

	"skytask/internal/model"
	"skytask/internal/storage"
	"skytask/internal/task/engine"
	"skytask/internal/task/scheduler"
	"skytask/internal/tenant"
)

// Config carries the defaults used when a task leaves a knob unset.
type Config struct {
	DefaultTimeout time.Duration
	DefaultBackoff time.Duration
	DefaultPolicy  model.RetryPolicy
	MaxDelay       time.Duration
	LockWait       time.Duration
	LockHold       time.Duration
	// HardDeadline cancels the executor call at the task timeout.
	HardDeadline bool
	// CallbackTimeout bounds how long an instance accepted asynchronously
	// (executor answered RUNNING) waits for its worker callback before it is
	// failed. Zero uses the task timeout.
	CallbackTimeout time.Duration
	// Node is recorded on every instance this process dispatches.
	Node string
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = time.Duration(model.DefaultTimeoutSeconds) * time.Second
	}
	if c.DefaultBackoff <= 0 {
		c.DefaultBackoff = time.Duration(model.DefaultRetryBackoffMs) * time.Millisecond
	}
	if !c.DefaultPolicy.Valid() {
		c.DefaultPolicy = model.RetryExpBackoff
	}
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	if c.LockHold <= 0 {
		c.LockHold = 30 * time.Second
	}
	return c
}

// Store is the slice of storage the coordinator reads and writes.
type Store interface {
	storage.TaskStore
	storage.InstanceStore
	storage.RetryStore
}

// RetryScheduler arms one-shot retry triggers.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, t tenant.Tenant, r scheduler.Retry) error
}

// Dispatcher runs jobs off the admission path.
type Dispatcher interface {
	Submit(ctx context.Context, j engine.Job) error
}

// OutcomeRecorder is fed every completed execution.
type OutcomeRecorder interface {
	RecordResult(t tenant.Tenant, task model.Task, success bool)
}

// params are the resolved per-run knobs of a task.
type params struct {
	timeoutSeconds int
	policy         model.RetryPolicy
	maxRetry       int
	backoffMs      int64
}
