// Package catalog is the task definition surface: create, update, delete,
// toggle and trigger, each kept consistent with the trigger engine.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"skytask/internal/errs"
	"skytask/internal/executor"
	"skytask/internal/model"
	"skytask/internal/storage"
	"skytask/internal/task/scheduler"
	"skytask/internal/tenant"
	logx "skytask/pkg/logx"
)

// Scheduler is the part of the trigger engine the catalog drives.
type Scheduler interface {
	ScheduleTask(ctx context.Context, t tenant.Tenant, task model.Task) error
	RemoveTask(ctx context.Context, t tenant.Tenant, taskID int64) error
	Unschedule(ctx context.Context, t tenant.Tenant, taskID int64) error
}

type Runner interface {
	ExecuteManual(ctx context.Context, t tenant.Tenant, taskID int64, operator string, payload map[string]any) (*model.Instance, error)
}

type TenantLookup interface {
	ByID(ctx context.Context, id int64) (tenant.Tenant, error)
}

// Forgetter drops per-task state kept elsewhere (failure windows).
type Forgetter interface {
	Forget(t tenant.Tenant, taskID int64)
}

type Defaults struct {
	MaxRetry       int
	RetryPolicy    model.RetryPolicy
	RetryBackoffMs int64
	Timezone       string
}

type Deps struct {
	Store     storage.TaskStore
	Scheduler Scheduler
	Runner    Runner
	Executors *executor.Registry
	Tenants   TenantLookup
	Forgetter Forgetter
	Now       func() time.Time
}

type Catalog struct {
	d   Deps
	def Defaults
	log logx.Logger
	now func() time.Time
}

func New(def Defaults, d Deps, log logx.Logger) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	if def.MaxRetry < 0 {
		def.MaxRetry = 0
	}
	if def.RetryPolicy == "" {
		def.RetryPolicy = model.RetryExpBackoff
	}
	return &Catalog{d: d, def: def, log: log.With(logx.String("comp", "catalog")), now: now}
}

// TaskRequest is a create or update payload. Nil pointers take defaults.
type TaskRequest struct {
	Name           string             `json:"name"`
	Group          string             `json:"group,omitempty"`
	Description    string             `json:"description,omitempty"`
	Type           model.TaskType     `json:"type"`
	CronExpr       string             `json:"cronExpr,omitempty"`
	Timezone       string             `json:"timezone,omitempty"`
	ExecutorKind   model.ExecutorKind `json:"executorType"`
	Handler        string             `json:"handler"`
	Parameters     map[string]any     `json:"parameters,omitempty"`
	MaxRetry       *int               `json:"maxRetry,omitempty"`
	RetryBackoffMs int64              `json:"retryBackoffMs,omitempty"`
	RetryPolicy    model.RetryPolicy  `json:"retryPolicy,omitempty"`
	TimeoutSeconds int                `json:"timeoutSeconds,omitempty"`
	AlertEnabled   *bool              `json:"alertEnabled,omitempty"`
}

// apply copies req onto task and validates the result. Nothing is persisted here.
// A nil AlertEnabled keeps whatever task already carries.
func (c *Catalog) apply(task *model.Task, req TaskRequest) error {
	task.Name = req.Name
	task.Group = strings.TrimSpace(req.Group)
	task.Description = req.Description
	task.Type = req.Type
	task.CronExpr = strings.TrimSpace(req.CronExpr)
	task.Timezone = req.Timezone
	if strings.TrimSpace(task.Timezone) == "" {
		task.Timezone = c.def.Timezone
	}
	task.ExecutorKind = req.ExecutorKind
	task.Handler = strings.TrimSpace(req.Handler)
	task.Parameters = req.Parameters
	task.MaxRetry = c.def.MaxRetry
	if req.MaxRetry != nil {
		task.MaxRetry = *req.MaxRetry
	}
	task.RetryBackoffMs = req.RetryBackoffMs
	if task.RetryBackoffMs <= 0 {
		task.RetryBackoffMs = c.def.RetryBackoffMs
	}
	task.RetryPolicy = req.RetryPolicy
	if strings.TrimSpace(string(task.RetryPolicy)) == "" {
		task.RetryPolicy = c.def.RetryPolicy
	}
	task.TimeoutSeconds = req.TimeoutSeconds
	if req.AlertEnabled != nil {
		task.AlertEnabled = *req.AlertEnabled
	}
	task.ApplyDefaults()
	return c.validate(*task)
}

func (c *Catalog) validate(task model.Task) error {
	if task.Name == "" {
		return errs.InvalidArgument("task name required")
	}
	if !task.Type.Valid() {
		return errs.InvalidArgument("unknown task type %q", task.Type)
	}
	if !task.RetryPolicy.Valid() {
		return errs.InvalidArgument("unknown retry policy %q", task.RetryPolicy)
	}
	if task.TimeoutSeconds < 0 {
		return errs.InvalidArgument("timeoutSeconds must not be negative")
	}
	if _, err := scheduler.LoadLocation(task.Timezone, nil); err != nil {
		return errs.InvalidArgument("timezone %q: %v", task.Timezone, err)
	}
	if task.Type == model.TaskCron {
		if err := scheduler.ValidateCron(task.CronExpr, task.Timezone); err != nil {
			return err
		}
	}
	if task.Handler == "" {
		return errs.InvalidArgument("handler required")
	}
	if c.d.Executors != nil {
		if _, err := c.d.Executors.Resolve(task.ExecutorKind, task.Handler); err != nil {
			if errors.Is(err, errs.ErrInvalidArgument) {
				return err
			}
			return errs.InvalidArgument("%v", err)
		}
	}
	return nil
}

// Create persists an enabled task and schedules it. If scheduling fails the
// stored task is deleted again.
func (c *Catalog) Create(ctx context.Context, t tenant.Tenant, req TaskRequest, operator string) (model.Task, error) {
	if err := tenant.Require(t); err != nil {
		return model.Task{}, err
	}
	task := model.Task{TenantID: t.ID, AlertEnabled: true}
	if err := c.apply(&task, req); err != nil {
		return model.Task{}, err
	}
	if _, found, err := c.d.Store.FindTaskByName(ctx, t.ID, task.Name); err != nil {
		return model.Task{}, err
	} else if found {
		return model.Task{}, errs.AlreadyExists("task name already exists: %s", task.Name)
	}
	now := c.now()
	task.Enabled = true
	task.CreatedBy = strings.TrimSpace(operator)
	if task.CreatedBy == "" {
		task.CreatedBy = "system"
	}
	task.CreatedAt, task.UpdatedAt = now, now
	if err := c.d.Store.CreateTask(ctx, &task); err != nil {
		return model.Task{}, err
	}
	if err := c.d.Scheduler.ScheduleTask(ctx, t, task); err != nil {
		if derr := c.d.Store.DeleteTask(context.WithoutCancel(ctx), t.ID, task.ID); derr != nil {
			c.log.Error("compensating delete failed", logx.Tenant(t.Code), logx.Int64("task", task.ID), logx.Err(derr))
		}
		return model.Task{}, err
	}
	c.log.Info("task created", logx.Tenant(t.Code), logx.Int64("task", task.ID), logx.String("name", task.Name),
		logx.String("type", string(task.Type)), logx.String("by", task.CreatedBy))
	return task, nil
}

// Update replaces the definition and reschedules it. The enabled flag is
// left as is.
func (c *Catalog) Update(ctx context.Context, t tenant.Tenant, id int64, req TaskRequest) (model.Task, error) {
	prev, err := c.Get(ctx, t, id)
	if err != nil {
		return model.Task{}, err
	}
	task := prev
	if err := c.apply(&task, req); err != nil {
		return model.Task{}, err
	}
	if task.Name != prev.Name {
		if other, found, err := c.d.Store.FindTaskByName(ctx, t.ID, task.Name); err != nil {
			return model.Task{}, err
		} else if found && other.ID != id {
			return model.Task{}, errs.AlreadyExists("task name already exists: %s", task.Name)
		}
	}
	task.UpdatedAt = c.now()
	if err := c.d.Store.UpdateTask(ctx, &task); err != nil {
		return model.Task{}, err
	}
	if err := c.d.Scheduler.ScheduleTask(ctx, t, task); err != nil {
		if rerr := c.d.Store.UpdateTask(context.WithoutCancel(ctx), &prev); rerr != nil {
			c.log.Error("task update not reverted", logx.Tenant(t.Code), logx.Int64("task", id), logx.Err(rerr))
		}
		return model.Task{}, err
	}
	c.log.Info("task updated", logx.Tenant(t.Code), logx.Int64("task", id))
	return task, nil
}

// Delete removes the task and its job with every trigger.
func (c *Catalog) Delete(ctx context.Context, t tenant.Tenant, id int64) error {
	if _, err := c.Get(ctx, t, id); err != nil {
		return err
	}
	if err := c.d.Scheduler.RemoveTask(ctx, t, id); err != nil && !errs.IsNotFound(err) {
		return err
	}
	if err := c.d.Store.DeleteTask(ctx, t.ID, id); err != nil {
		return err
	}
	if c.d.Forgetter != nil {
		c.d.Forgetter.Forget(t, id)
	}
	c.log.Info("task deleted", logx.Tenant(t.Code), logx.Int64("task", id))
	return nil
}

// Toggle enables (schedule) or disables (unschedule, job kept) a task.
func (c *Catalog) Toggle(ctx context.Context, t tenant.Tenant, id int64, enabled bool) (model.Task, error) {
	task, err := c.Get(ctx, t, id)
	if err != nil {
		return model.Task{}, err
	}
	task.Enabled = enabled
	task.UpdatedAt = c.now()
	if err := c.d.Store.UpdateTask(ctx, &task); err != nil {
		return model.Task{}, err
	}
	if enabled {
		err = c.d.Scheduler.ScheduleTask(ctx, t, task)
	} else {
		err = c.d.Scheduler.Unschedule(ctx, t, id)
		if errs.IsNotFound(err) {
			err = nil
		}
	}
	if err != nil {
		return model.Task{}, err
	}
	c.log.Info("task toggled", logx.Tenant(t.Code), logx.Int64("task", id), logx.Bool("enabled", enabled))
	return task, nil
}

// Trigger runs the task now. A run already being admitted surfaces as
// errs.ErrLockUnavailable.
func (c *Catalog) Trigger(ctx context.Context, t tenant.Tenant, id int64, operator string, payload map[string]any) (*model.Instance, error) {
	in, err := c.d.Runner.ExecuteManual(ctx, t, id, operator, payload)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, fmt.Errorf("task %d is already running, manual trigger skipped: %w", id, errs.ErrLockUnavailable)
	}
	return in, nil
}

func (c *Catalog) Get(ctx context.Context, t tenant.Tenant, id int64) (model.Task, error) {
	if err := tenant.Require(t); err != nil {
		return model.Task{}, err
	}
	if id <= 0 {
		return model.Task{}, errs.InvalidArgument("invalid task id %d", id)
	}
	return c.d.Store.GetTask(ctx, t.ID, id)
}

func (c *Catalog) List(ctx context.Context, t tenant.Tenant) ([]model.Task, error) {
	if err := tenant.Require(t); err != nil {
		return nil, err
	}
	return c.d.Store.ListTasks(ctx, t.ID)
}

// RestoreAll reschedules every stored task of every tenant. Failures are
// logged per task; the count of scheduled tasks is returned.
//
// ONE_TIME tasks are skipped: their persisted trigger is re-armed by the
// scheduler itself, and rescheduling would move the fire time.
func (c *Catalog) RestoreAll(ctx context.Context) (int, error) {
	tasks, err := c.d.Store.ListAllTasks(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if task.Type == model.TaskOneTime {
			continue
		}
		t, err := c.d.Tenants.ByID(ctx, task.TenantID)
		if err != nil {
			c.log.Warn("task restore skipped: tenant unresolved", logx.Int64("task", task.ID), logx.Int64("tenant", task.TenantID), logx.Err(err))
			continue
		}
		if err := c.d.Scheduler.ScheduleTask(ctx, t, task); err != nil {
			c.log.Warn("task restore failed", logx.Tenant(t.Code), logx.Int64("task", task.ID), logx.Err(err))
			continue
		}
		n++
	}
	c.log.Info("tasks restored", logx.Int("scheduled", n), logx.Int("total", len(tasks)))
	return n, nil
}
