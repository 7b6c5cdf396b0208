package execution

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"skytask/internal/errs"
	"skytask/internal/eventbus"
	"skytask/internal/executor"
	"skytask/internal/lock"
	"skytask/internal/model"
	"skytask/internal/observability"
	"skytask/internal/retry"
	"skytask/internal/task/engine"
	"skytask/internal/task/scheduler"
	"skytask/internal/tenant"
	logx "skytask/pkg/logx"
)

// Deps are the collaborators of a Coordinator. Monitor, Metrics and Bus are optional.
type Deps struct {
	Store     Store
	Locker    lock.Locker
	Scheduler RetryScheduler
	Pool      Dispatcher
	Executors *executor.Registry
	Monitor   OutcomeRecorder
	Metrics   *observability.Registry
	Bus       eventbus.Bus
	Now       func() time.Time
}

// Coordinator admits at most one run per (tenant, task) at a time, creates
// the instance record and hands the executor call to the dispatch pool.
//
// The admission lock is released as soon as the instance is stored, so two
// runs of one task can still overlap once both are dispatched.
type Coordinator struct {
	cfg Config
	d   Deps
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, d Deps, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{cfg: cfg.withDefaults(), d: d, log: log.With(logx.String("comp", "execution")), now: now}
}

// OnFire is the scheduler's FireHandler.
func (c *Coordinator) OnFire(ctx context.Context, f scheduler.Fire) error {
	t := tenant.Tenant{ID: f.TenantID, Code: f.TenantCode}
	if f.RetryOf != "" {
		if err := c.d.Store.MarkRetryFired(ctx, t.ID, f.RetryOf, f.Attempt); err != nil && !errs.IsNotFound(err) {
			c.log.Warn("retry record not marked fired", logx.Tenant(t.Code), logx.String("instance", f.RetryOf), logx.Err(err))
		}
	}
	_, err := c.ExecuteScheduled(ctx, t, f.TaskID, f.ScheduledTime, f.Attempt)
	return err
}

// ExecuteScheduled runs a scheduler firing. It returns (nil, nil) when the
// task is already being admitted elsewhere or is no longer enabled.
func (c *Coordinator) ExecuteScheduled(ctx context.Context, t tenant.Tenant, taskID int64, scheduledTime time.Time, attempt int) (*model.Instance, error) {
	return c.execute(ctx, t, taskID, admission{
		scheduled:   scheduledTime,
		attempt:     attempt,
		triggeredBy: model.TriggeredByScheduler,
		operator:    model.TriggeredByScheduler,
	})
}

// ExecuteManual runs the task now on behalf of operator. payload entries
// override the task's parameters for this run. Disabled tasks can be run manually.
func (c *Coordinator) ExecuteManual(ctx context.Context, t tenant.Tenant, taskID int64, operator string, payload map[string]any) (*model.Instance, error) {
	by := strings.TrimSpace(operator)
	if by == "" {
		by = model.TriggeredByManual
	}
	return c.execute(ctx, t, taskID, admission{
		scheduled:   c.now(),
		triggeredBy: by,
		operator:    by,
		payload:     payload,
		manual:      true,
	})
}

type admission struct {
	scheduled   time.Time
	attempt     int
	triggeredBy string
	operator    string
	payload     map[string]any
	manual      bool
}

func (c *Coordinator) execute(ctx context.Context, t tenant.Tenant, taskID int64, a admission) (_ *model.Instance, err error) {
	if err := tenant.Require(t); err != nil {
		return nil, err
	}
	ctx, span := observability.StartSpan(ctx, "execution.admit",
		attribute.Int64("tenant", t.ID), attribute.Int64("task", taskID), attribute.Int("attempt", a.attempt))
	defer func() { observability.EndSpan(span, err) }()

	task, err := c.d.Store.GetTask(ctx, t.ID, taskID)
	if err != nil {
		return nil, err
	}
	if !a.manual && !task.Enabled {
		c.log.Debug("firing skipped: task disabled", logx.Tenant(t.Code), logx.Int64("task", taskID), logx.Int("attempt", a.attempt))
		return nil, nil
	}
	p := c.resolve(task)

	h, err := c.d.Locker.TryLock(ctx, lock.TaskKey(t.ID, task.ID), c.cfg.LockWait, c.cfg.LockHold)
	if err != nil {
		return nil, err
	}
	if h == nil {
		c.d.Metrics.Inc(observability.AdmissionSkipsTotal, nil)
		c.publish(eventbus.ExecutionSkipped, t.ID, map[string]any{"taskId": task.ID, "reason": "already running"})
		c.log.Warn("execution skipped: lock not acquired", logx.Tenant(t.Code), logx.Int64("task", task.ID))
		return nil, nil
	}

	now := c.now()
	in := model.Instance{
		TaskID:        task.ID,
		TenantID:      t.ID,
		InstanceID:    uuid.NewString(),
		ScheduledTime: a.scheduled,
		TriggeredAt:   now,
		TriggeredBy:   a.triggeredBy,
		Status:        model.StatusRunning,
		Attempt:       a.attempt,
		Node:          c.cfg.Node,
		CreatedAt:     now,
	}
	err = c.d.Store.CreateInstance(ctx, &in)
	if uerr := h.Unlock(context.WithoutCancel(ctx)); uerr != nil {
		c.log.Warn("admission lock release failed", logx.String("lock", h.Name()), logx.Err(uerr))
	}
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	if !a.manual && !a.scheduled.IsZero() {
		if delay := now.Sub(a.scheduled); delay > 0 {
			c.d.Metrics.Observe(observability.SchedulingDelayMs, nil, float64(delay.Milliseconds()))
		}
	}
	c.publish(eventbus.ExecutionAdmitted, t.ID, in)
	c.log.Info("execution admitted", logx.Tenant(t.Code), logx.Int64("task", task.ID),
		logx.String("instance", in.InstanceID), logx.Int("attempt", in.Attempt), logx.String("by", in.TriggeredBy))

	parameters := maps.Clone(task.Parameters)
	if parameters == nil {
		parameters = map[string]any{}
	}
	maps.Copy(parameters, a.payload)
	c.dispatch(context.WithoutCancel(ctx), t, task, p, in, model.DispatchRequest{
		InstanceID:     in.InstanceID,
		Operator:       a.operator,
		Parameters:     parameters,
		TimeoutSeconds: p.timeoutSeconds,
		Attempt:        in.Attempt,
		TenantCode:     t.Code,
	})
	out := in
	return &out, nil
}

// resolve fills unset task knobs from config.
func (c *Coordinator) resolve(task model.Task) params {
	p := params{
		timeoutSeconds: task.TimeoutSeconds,
		policy:         task.RetryPolicy,
		maxRetry:       task.MaxRetry,
		backoffMs:      task.RetryBackoffMs,
	}
	if p.timeoutSeconds <= 0 {
		p.timeoutSeconds = int(c.cfg.DefaultTimeout / time.Second)
	}
	if !p.policy.Valid() {
		p.policy = c.cfg.DefaultPolicy
	}
	if p.backoffMs <= 0 {
		p.backoffMs = c.cfg.DefaultBackoff.Milliseconds()
	}
	return p
}

// dispatch submits the executor call. Whatever happens (result, error,
// panic, rejection) ends up in finish.
func (c *Coordinator) dispatch(ctx context.Context, t tenant.Tenant, task model.Task, p params, in model.Instance, req model.DispatchRequest) {
	start := c.now()
	var res model.ExecutionResult
	job := engine.Job{
		ID:   in.InstanceID,
		Name: fmt.Sprintf("%s/%s", t.Code, task.Name),
		Run: func(jctx context.Context) error {
			jctx, span := observability.StartSpan(jctx, "execution.dispatch",
				attribute.String("instance", in.InstanceID), attribute.String("executor", string(task.ExecutorKind)))
			ex, err := c.d.Executors.Resolve(task.ExecutorKind, task.Handler)
			if err == nil {
				res, err = ex.Execute(jctx, task.Handler, req)
			}
			observability.EndSpan(span, err)
			return err
		},
		Done: func(err error) {
			if err != nil {
				res = failure(in, "Executor error: "+err.Error())
			}
			c.d.Metrics.Observe(observability.DispatchDurationMs, nil, float64(c.now().Sub(start).Milliseconds()))
			if res.Status == model.StatusRunning {
				c.log.Debug("executor accepted; awaiting callback", logx.String("instance", in.InstanceID))
				c.awaitCallback(ctx, t, task, p, in)
				return
			}
			if ferr := c.finish(ctx, t, task, p, in, res); ferr != nil {
				c.log.Error("execution result not applied", logx.Tenant(t.Code), logx.String("instance", in.InstanceID), logx.Err(ferr))
			}
		},
	}
	if c.cfg.HardDeadline {
		job.Timeout = time.Duration(p.timeoutSeconds) * time.Second
	}
	if err := c.d.Pool.Submit(ctx, job); err != nil {
		msg := "Dispatch worker failed: " + err.Error()
		if errors.Is(err, engine.ErrQueueFull) {
			msg = "dispatch rejected: queue full"
		}
		c.log.Warn("dispatch not submitted", logx.Tenant(t.Code), logx.String("instance", in.InstanceID), logx.Err(err))
		if ferr := c.finish(ctx, t, task, p, in, failure(in, msg)); ferr != nil {
			c.log.Error("dispatch failure not applied", logx.String("instance", in.InstanceID), logx.Err(ferr))
		}
	}
}

// awaitCallback fails in if no worker callback has completed it once the
// callback window ends. The timer is process-local: an instance accepted
// before a restart keeps RUNNING until its callback arrives.
func (c *Coordinator) awaitCallback(ctx context.Context, t tenant.Tenant, task model.Task, p params, in model.Instance) {
	wait := c.cfg.CallbackTimeout
	if wait <= 0 {
		wait = time.Duration(p.timeoutSeconds) * time.Second
	}
	time.AfterFunc(wait, func() {
		err := c.finish(ctx, t, task, p, in, failure(in, "No worker callback within "+wait.String()))
		switch {
		case err == nil:
			c.log.Warn("execution failed: callback timed out", logx.Tenant(t.Code), logx.String("instance", in.InstanceID),
				logx.Duration("waited", wait))
		case !errors.Is(err, errs.ErrAlreadyExists):
			c.log.Error("callback timeout not applied", logx.Tenant(t.Code), logx.String("instance", in.InstanceID), logx.Err(err))
		}
	})
}

// HandleWorkerResult applies a result reported out of band by an executor.
// It drives the same completion path as a synchronous result.
func (c *Coordinator) HandleWorkerResult(ctx context.Context, t tenant.Tenant, res model.ExecutionResult) error {
	if err := tenant.Require(t); err != nil {
		return err
	}
	if strings.TrimSpace(res.InstanceID) == "" {
		return errs.InvalidArgument("instanceId required")
	}
	in, err := c.d.Store.GetInstance(ctx, t.ID, res.InstanceID)
	if err != nil {
		return err
	}
	if res.TaskID != 0 && res.TaskID != in.TaskID {
		return errs.InvalidArgument("instance %s does not belong to task %d", res.InstanceID, res.TaskID)
	}
	if in.Status != model.StatusRunning {
		return errs.AlreadyExists("instance %s already finished with %s", in.InstanceID, in.Status)
	}
	task, err := c.d.Store.GetTask(ctx, t.ID, in.TaskID)
	if err != nil {
		return err
	}
	if res.DurationMillis == 0 {
		res.DurationMillis = c.now().Sub(in.TriggeredAt).Milliseconds()
	}
	return c.finish(ctx, t, task, c.resolve(task), in, res)
}

// finish stores the outcome, feeds the failure monitor and schedules a
// retry when the attempt failed and policy allows it. It returns
// ErrAlreadyExists when the instance was no longer RUNNING.
func (c *Coordinator) finish(ctx context.Context, t tenant.Tenant, task model.Task, p params, in model.Instance, res model.ExecutionResult) error {
	status := model.InstanceStatus(strings.ToUpper(strings.TrimSpace(string(res.Status))))
	msg := res.Message
	switch status {
	case model.StatusSuccess:
	case "":
		status, msg = model.StatusFailed, "Execution returned null or invalid response"
	default:
		status = model.StatusFailed
	}
	now := c.now()
	in.Status = status
	in.Result = msg
	in.DurationMillis = res.DurationMillis
	if in.DurationMillis == 0 {
		in.DurationMillis = now.Sub(in.TriggeredAt).Milliseconds()
	}
	in.FinishedAt = &now
	// Only the caller that moves the instance out of RUNNING goes on to the
	// monitor and retry steps; duplicate callbacks stop here.
	won, err := c.d.Store.CompleteInstance(ctx, &in, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("complete instance: %w", err)
	}
	if !won {
		return errs.AlreadyExists("instance %s already finished", in.InstanceID)
	}

	success := status == model.StatusSuccess
	c.d.Metrics.Inc(observability.ExecutionsTotal, map[string]string{"result": string(status)})
	if c.d.Monitor != nil {
		c.d.Monitor.RecordResult(t, task, success)
	}
	c.publish(eventbus.ExecutionFinished, t.ID, in)
	if success {
		c.log.Info("execution succeeded", logx.Tenant(t.Code), logx.Int64("task", task.ID),
			logx.String("instance", in.InstanceID), logx.Int64("ms", in.DurationMillis))
		return nil
	}
	c.log.Warn("execution failed", logx.Tenant(t.Code), logx.Int64("task", task.ID),
		logx.String("instance", in.InstanceID), logx.Int("attempt", in.Attempt), logx.String("result", truncate(msg, 200)))
	return c.scheduleRetry(ctx, t, task, p, in)
}

func (c *Coordinator) scheduleRetry(ctx context.Context, t tenant.Tenant, task model.Task, p params, in model.Instance) error {
	d := retry.DecideCapped(p.policy, in.Attempt, p.maxRetry, p.backoffMs, c.cfg.MaxDelay)
	if !d.Retry {
		c.log.Debug("no retry", logx.Int64("task", task.ID), logx.String("instance", in.InstanceID), logx.String("reason", d.Reason))
		return nil
	}
	now := c.now()
	fireAt := d.FireTime(now)

	in.Status = model.StatusRetryScheduled
	if err := c.d.Store.UpdateInstance(ctx, &in); err != nil {
		return fmt.Errorf("mark retry scheduled: %w", err)
	}
	rec := model.RetryRecord{
		TenantID:    t.ID,
		TaskID:      task.ID,
		InstanceID:  in.InstanceID,
		RetryNo:     d.NextAttempt,
		ScheduledAt: fireAt,
		Status:      model.RetryScheduled,
		CreatedAt:   now,
	}
	if err := c.d.Store.CreateRetry(ctx, &rec); err != nil {
		return fmt.Errorf("create retry record: %w", err)
	}
	if err := c.d.Scheduler.ScheduleRetry(ctx, t, scheduler.Retry{
		TaskID: task.ID, FireAt: fireAt, Attempt: d.NextAttempt, InstanceID: in.InstanceID,
	}); err != nil {
		return err
	}
	c.d.Metrics.Inc(observability.RetriesScheduledTotal, nil)
	c.publish(eventbus.RetryScheduled, t.ID, rec)
	c.log.Info("retry scheduled", logx.Tenant(t.Code), logx.Int64("task", task.ID),
		logx.Int("attempt", d.NextAttempt), logx.Duration("delay", d.Delay))
	return nil
}

// Executions lists the most recent instances of a task, newest first.
func (c *Coordinator) Executions(ctx context.Context, t tenant.Tenant, taskID int64, limit int) ([]model.Instance, error) {
	if err := tenant.Require(t); err != nil {
		return nil, err
	}
	if _, err := c.d.Store.GetTask(ctx, t.ID, taskID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return c.d.Store.ListInstances(ctx, t.ID, taskID, limit)
}

func (c *Coordinator) publish(typ string, tenantID int64, data any) {
	if c.d.Bus != nil {
		c.d.Bus.Publish(eventbus.Event{Type: typ, Tenant: tenantID, Data: data})
	}
}

func failure(in model.Instance, msg string) model.ExecutionResult {
	return model.ExecutionResult{TaskID: in.TaskID, InstanceID: in.InstanceID, Status: model.StatusFailed, Message: msg, Attempt: in.Attempt}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
