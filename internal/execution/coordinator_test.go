package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skytask/internal/errs"
	"skytask/internal/eventbus"
	"skytask/internal/executor"
	"skytask/internal/lock"
	"skytask/internal/model"
	"skytask/internal/observability"
	"skytask/internal/storage"
	"skytask/internal/task/engine"
	"skytask/internal/task/scheduler"
	"skytask/internal/tenant"
	logx "skytask/pkg/logx"
)

var acme = tenant.Tenant{ID: 1, Code: "acme"}

type retrySink struct {
	mu      sync.Mutex
	retries []scheduler.Retry
}

func (s *retrySink) ScheduleRetry(_ context.Context, _ tenant.Tenant, r scheduler.Retry) error {
	s.mu.Lock()
	s.retries = append(s.retries, r)
	s.mu.Unlock()
	return nil
}

func (s *retrySink) all() []scheduler.Retry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduler.Retry(nil), s.retries...)
}

type outcomes struct {
	mu  sync.Mutex
	got []bool
}

func (o *outcomes) RecordResult(_ tenant.Tenant, _ model.Task, success bool) {
	o.mu.Lock()
	o.got = append(o.got, success)
	o.mu.Unlock()
}

func (o *outcomes) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.got)
}

type fixture struct {
	c       *Coordinator
	store   storage.Store
	locker  *lock.LeaseLocker
	funcs   *executor.Func
	retries *retrySink
	seen    *outcomes
	metrics *observability.Registry
	now     time.Time
}

func newFixture(t *testing.T, cfg Config, pool engine.Config) *fixture {
	t.Helper()
	st := storage.NewMemory()
	pool.Enabled = true
	p := engine.New(pool, logx.Nop(), nil)
	p.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	f := &fixture{
		store:   st,
		locker:  lock.NewLeaseLocker(st, logx.Nop(), lock.WithPoll(5*time.Millisecond)),
		funcs:   executor.NewFunc(),
		retries: &retrySink{},
		seen:    &outcomes{},
		metrics: observability.NewRegistry(),
		now:     time.UnixMilli(1_700_000_000_000),
	}
	if cfg.LockWait == 0 {
		cfg.LockWait = 30 * time.Millisecond
	}
	f.c = New(cfg, Deps{
		Store:     st,
		Locker:    f.locker,
		Scheduler: f.retries,
		Pool:      p,
		Executors: executor.NewRegistry(f.funcs),
		Monitor:   f.seen,
		Metrics:   f.metrics,
		Bus:       eventbus.New(),
		Now:       func() time.Time { return f.now },
	}, logx.Nop())
	return f
}

func (f *fixture) task(t *testing.T, handler string, mut func(*model.Task)) model.Task {
	t.Helper()
	task := model.Task{
		TenantID:       acme.ID,
		Name:           handler,
		Type:           model.TaskCron,
		CronExpr:       "0 * * * * ?",
		ExecutorKind:   model.ExecutorFunc,
		Handler:        handler,
		MaxRetry:       3,
		RetryBackoffMs: 1000,
		RetryPolicy:    model.RetryExpBackoff,
		TimeoutSeconds: 30,
		Enabled:        true,
		AlertEnabled:   true,
	}
	if mut != nil {
		mut(&task)
	}
	require.NoError(t, f.store.CreateTask(context.Background(), &task))
	return task
}

func (f *fixture) settled(t *testing.T, id string) model.Instance {
	t.Helper()
	var in model.Instance
	require.Eventually(t, func() bool {
		var err error
		in, err = f.store.GetInstance(context.Background(), acme.ID, id)
		return err == nil && in.Status != model.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	return in
}

func respond(status model.InstanceStatus, msg string) executor.HandlerFunc {
	return func(_ context.Context, req model.DispatchRequest) (model.ExecutionResult, error) {
		return model.ExecutionResult{InstanceID: req.InstanceID, Status: status, Message: msg}, nil
	}
}

func TestScheduledSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Node: "n1"}, engine.Config{Workers: 2, QueueSize: 4})
	var got model.DispatchRequest
	require.NoError(t, f.funcs.Register("ok", func(_ context.Context, req model.DispatchRequest) (model.ExecutionResult, error) {
		got = req
		return model.ExecutionResult{Status: "success", Message: "done"}, nil
	}))
	task := f.task(t, "ok", func(tk *model.Task) { tk.Parameters = map[string]any{"k": "v"} })

	in, err := f.c.ExecuteScheduled(context.Background(), acme, task.ID, f.now.Add(-2*time.Second), 0)
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, model.StatusRunning, in.Status)
	assert.Equal(t, model.TriggeredByScheduler, in.TriggeredBy)
	assert.Equal(t, "n1", in.Node)

	done := f.settled(t, in.InstanceID)
	assert.Equal(t, model.StatusSuccess, done.Status)
	assert.Equal(t, "done", done.Result)
	require.NotNil(t, done.FinishedAt)
	assert.Equal(t, "v", got.Parameters["k"])
	assert.Equal(t, "acme", got.TenantCode)
	assert.Equal(t, 30, got.TimeoutSeconds)
	assert.Empty(t, f.retries.all())
	assert.Equal(t, 1, f.seen.count())
	assert.Equal(t, 1.0, f.metrics.Counter(observability.ExecutionsTotal, map[string]string{"result": "SUCCESS"}))
}

func TestExponentialRetriesStopAtMax(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, engine.Config{Workers: 1, QueueSize: 4})
	require.NoError(t, f.funcs.Register("bad", respond(model.StatusFailed, "nope")))
	task := f.task(t, "bad", nil)
	ctx := context.Background()

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for attempt := 0; attempt <= 3; attempt++ {
		in, err := f.c.ExecuteScheduled(ctx, acme, task.ID, f.now, attempt)
		require.NoError(t, err)
		require.NotNil(t, in)
		require.Eventually(t, func() bool { return f.seen.count() == attempt+1 }, 2*time.Second, 5*time.Millisecond)
		if attempt < 3 {
			require.Eventually(t, func() bool { return len(f.retries.all()) == attempt+1 }, 2*time.Second, 5*time.Millisecond)
			r := f.retries.all()[attempt]
			assert.Equal(t, attempt+1, r.Attempt)
			assert.Equal(t, in.InstanceID, r.InstanceID)
			assert.Equal(t, f.now.Add(want[attempt]), r.FireAt)

			stored := f.settled(t, in.InstanceID)
			assert.Equal(t, model.StatusRetryScheduled, stored.Status)
			recs, err := f.store.ListRetries(ctx, acme.ID, in.InstanceID)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, attempt+1, recs[0].RetryNo)
			assert.Equal(t, model.RetryScheduled, recs[0].Status)
		} else {
			stored := f.settled(t, in.InstanceID)
			assert.Equal(t, model.StatusFailed, stored.Status)
		}
	}
	assert.Len(t, f.retries.all(), 3)
}

func TestNoRetryPolicy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, engine.Config{Workers: 1, QueueSize: 2})
	require.NoError(t, f.funcs.Register("bad", respond(model.StatusFailed, "nope")))
	task := f.task(t, "bad", func(tk *model.Task) { tk.RetryPolicy = model.RetryNone })

	in, err := f.c.ExecuteScheduled(context.Background(), acme, task.ID, f.now, 0)
	require.NoError(t, err)
	done := f.settled(t, in.InstanceID)
	assert.Equal(t, model.StatusFailed, done.Status)
	recs, err := f.store.ListRetries(context.Background(), acme.ID, in.InstanceID)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, f.retries.all())
}

func TestEmptyStatusIsFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, engine.Config{Workers: 1, QueueSize: 2})
	require.NoError(t, f.funcs.Register("blank", func(context.Context, model.DispatchRequest) (model.ExecutionResult, error) {
		return model.ExecutionResult{Status: " "}, nil
	}))
	task := f.task(t, "blank", func(tk *model.Task) { tk.MaxRetry = 0 })

	in, err := f.c.ExecuteScheduled(context.Background(), acme, task.ID, f.now, 0)
	require.NoError(t, err)
	done := f.settled(t, in.InstanceID)
	assert.Equal(t, model.StatusFailed, done.Status)
	assert.Equal(t, "Execution returned null or invalid response", done.Result)
}

func TestLockBusyIsSoftSkip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, engine.Config{Workers: 1, QueueSize: 2})
	require.NoError(t, f.funcs.Register("ok", respond(model.StatusSuccess, "")))
	task := f.task(t, "ok", nil)
	ctx := context.Background()

	h, err := f.locker.TryLock(ctx, lock.TaskKey(acme.ID, task.ID), 0, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, h)
	defer func() { _ = h.Unlock(ctx) }()

	in, err := f.c.ExecuteScheduled(ctx, acme, task.ID, f.now, 0)
	require.NoError(t, err)
	assert.Nil(t, in)
	assert.Equal(t, 1.0, f.metrics.Counter(observability.AdmissionSkipsTotal, nil))
	list, err := f.store.ListInstances(ctx, acme.ID, task.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDisabledTaskSkipsScheduledButRunsManual(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, engine.Config{Workers: 1, QueueSize: 2})
	var got model.DispatchRequest
	require.NoError(t, f.funcs.Register("ok", func(_ context.Context, req model.DispatchRequest) (model.ExecutionResult, error) {
		got = req
		return model.ExecutionResult{Status: model.StatusSuccess}, nil
	}))
	task := f.task(t, "ok", func(tk *model.Task) {
		tk.Enabled = false
		tk.Parameters = map[string]any{"a": 1.0, "b": "task"}
	})
	ctx := context.Background()

	in, err := f.c.ExecuteScheduled(ctx, acme, task.ID, f.now, 0)
	require.NoError(t, err)
	assert.Nil(t, in)

	in, err = f.c.ExecuteManual(ctx, acme, task.ID, "", map[string]any{"b": "payload"})
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, model.TriggeredByManual, in.TriggeredBy)
	assert.Equal(t, 0, in.Attempt)
	f.settled(t, in.InstanceID)
	assert.Equal(t, "payload", got.Parameters["b"])
	assert.Equal(t, 1.0, got.Parameters["a"])
	assert.Equal(t, model.TriggeredByManual, got.Operator)

	in, err = f.c.ExecuteManual(ctx, acme, task.ID, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", in.TriggeredBy)
}

func TestTenantIsolation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, engine.Config{Workers: 1, QueueSize: 2})
	task := f.task(t, "ok", nil)
	_, err := f.c.ExecuteManual(context.Background(), tenant.Tenant{ID: 2, Code: "other"}, task.ID, "bob", nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.c.ExecuteManual(context.Background(), tenant.Tenant{}, task.ID, "bob", nil)
	assert.ErrorIs(t, err, errs.ErrTenantRequired)
}

func TestWorkerCallbackPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, engine.Config{Workers: 1, QueueSize: 2})
	require.NoError(t, f.funcs.Register("async", respond(model.StatusRunning, "accepted")))
	task := f.task(t, "async", nil)
	ctx := context.Background()

	in, err := f.c.ExecuteScheduled(ctx, acme, task.ID, f.now, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(f.metrics.Snapshot().Summaries) > 0
	}, time.Second, 5*time.Millisecond)
	stored, err := f.store.GetInstance(ctx, acme.ID, in.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, stored.Status)

	err = f.c.HandleWorkerResult(ctx, acme, model.ExecutionResult{TaskID: task.ID + 100, InstanceID: in.InstanceID, Status: model.StatusFailed})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	require.NoError(t, f.c.HandleWorkerResult(ctx, acme, model.ExecutionResult{
		TaskID: task.ID, InstanceID: in.InstanceID, Status: "failed", Message: "worker says no", DurationMillis: 42,
	}))
	stored = f.settled(t, in.InstanceID)
	assert.Equal(t, model.StatusRetryScheduled, stored.Status)
	assert.Equal(t, "worker says no", stored.Result)
	assert.EqualValues(t, 42, stored.DurationMillis)
	require.Len(t, f.retries.all(), 1)
	assert.Equal(t, 2, f.retries.all()[0].Attempt)
	assert.Equal(t, f.now.Add(2*time.Second), f.retries.all()[0].FireAt)

	err = f.c.HandleWorkerResult(ctx, acme, model.ExecutionResult{InstanceID: in.InstanceID, Status: model.StatusSuccess})
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
	err = f.c.HandleWorkerResult(ctx, acme, model.ExecutionResult{InstanceID: "missing", Status: model.StatusSuccess})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDuplicateCallbacksCompleteOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{CallbackTimeout: time.Hour}, engine.Config{Workers: 1, QueueSize: 2})
	require.NoError(t, f.funcs.Register("async", respond(model.StatusRunning, "accepted")))
	task := f.task(t, "async", nil)
	ctx := context.Background()

	in, err := f.c.ExecuteScheduled(ctx, acme, task.ID, f.now, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(f.metrics.Snapshot().Summaries) > 0
	}, time.Second, 5*time.Millisecond)

	const callers = 8
	errsCh := make(chan error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errsCh <- f.c.HandleWorkerResult(ctx, acme, model.ExecutionResult{
				TaskID: task.ID, InstanceID: in.InstanceID, Status: model.StatusFailed, Message: "dup",
			})
		}()
	}
	close(start)
	wg.Wait()
	close(errsCh)

	applied := 0
	for err := range errsCh {
		if err == nil {
			applied++
			continue
		}
		assert.ErrorIs(t, err, errs.ErrAlreadyExists)
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.seen.count())
	require.Len(t, f.retries.all(), 1)
	assert.Equal(t, 2, f.retries.all()[0].Attempt)
}

func TestMissingCallbackFailsInstance(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{CallbackTimeout: 20 * time.Millisecond}, engine.Config{Workers: 1, QueueSize: 2})
	require.NoError(t, f.funcs.Register("async", respond(model.StatusRunning, "accepted")))
	task := f.task(t, "async", func(tk *model.Task) { tk.MaxRetry = 0 })

	in, err := f.c.ExecuteScheduled(context.Background(), acme, task.ID, f.now, 1)
	require.NoError(t, err)
	stored := f.settled(t, in.InstanceID)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Contains(t, stored.Result, "No worker callback")
	assert.Equal(t, 1, f.seen.count())

	err = f.c.HandleWorkerResult(context.Background(), acme, model.ExecutionResult{InstanceID: in.InstanceID, Status: model.StatusSuccess})
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestHardDeadlineBecomesExecutorError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{HardDeadline: true}, engine.Config{Workers: 1, QueueSize: 2})
	require.NoError(t, f.funcs.Register("slow", func(ctx context.Context, _ model.DispatchRequest) (model.ExecutionResult, error) {
		<-ctx.Done()
		return model.ExecutionResult{}, ctx.Err()
	}))
	task := f.task(t, "slow", func(tk *model.Task) {
		tk.TimeoutSeconds = 1
		tk.RetryPolicy = model.RetryNone
	})

	in, err := f.c.ExecuteScheduled(context.Background(), acme, task.ID, f.now, 0)
	require.NoError(t, err)
	var done model.Instance
	require.Eventually(t, func() bool {
		done, err = f.store.GetInstance(context.Background(), acme.ID, in.InstanceID)
		return err == nil && done.Status != model.StatusRunning
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.StatusFailed, done.Status)
	assert.Equal(t, "Executor error: "+context.DeadlineExceeded.Error(), done.Result)
}

func TestExecutorErrorAndUnknownHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, engine.Config{Workers: 1, QueueSize: 2})
	require.NoError(t, f.funcs.Register("broken", func(context.Context, model.DispatchRequest) (model.ExecutionResult, error) {
		return model.ExecutionResult{}, errors.New("socket closed")
	}))
	broken := f.task(t, "broken", func(tk *model.Task) { tk.MaxRetry = 0 })
	unknown := f.task(t, "ghost", func(tk *model.Task) { tk.MaxRetry = 0 })

	in, err := f.c.ExecuteScheduled(context.Background(), acme, broken.ID, f.now, 0)
	require.NoError(t, err)
	assert.Equal(t, "Executor error: socket closed", f.settled(t, in.InstanceID).Result)

	in, err = f.c.ExecuteScheduled(context.Background(), acme, unknown.ID, f.now, 0)
	require.NoError(t, err)
	done := f.settled(t, in.InstanceID)
	assert.Equal(t, model.StatusFailed, done.Status)
	assert.Contains(t, done.Result, "Executor error:")
}

func TestQueueFullFailsInstance(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, engine.Config{Workers: 1, QueueSize: 1, QueueFull: engine.PolicyReject})
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, f.funcs.Register("hold", func(context.Context, model.DispatchRequest) (model.ExecutionResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return model.ExecutionResult{Status: model.StatusSuccess}, nil
	}))
	defer close(release)
	var tasks []model.Task
	for _, name := range []string{"hold", "hold-2", "hold-3"} {
		tasks = append(tasks, f.task(t, name, func(tk *model.Task) {
			tk.Handler = "hold"
			tk.RetryPolicy = model.RetryNone
		}))
	}
	ctx := context.Background()

	_, err := f.c.ExecuteScheduled(ctx, acme, tasks[0].ID, f.now, 0)
	require.NoError(t, err)
	<-started
	_, err = f.c.ExecuteScheduled(ctx, acme, tasks[1].ID, f.now, 0)
	require.NoError(t, err)
	in, err := f.c.ExecuteScheduled(ctx, acme, tasks[2].ID, f.now, 0)
	require.NoError(t, err)

	stored, err := f.store.GetInstance(ctx, acme.ID, in.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Equal(t, "dispatch rejected: queue full", stored.Result)
}

func TestOnFireMarksRetryFired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, engine.Config{Workers: 1, QueueSize: 2})
	require.NoError(t, f.funcs.Register("ok", respond(model.StatusSuccess, "")))
	task := f.task(t, "ok", nil)
	ctx := context.Background()
	require.NoError(t, f.store.CreateRetry(ctx, &model.RetryRecord{
		TenantID: acme.ID, TaskID: task.ID, InstanceID: "prev", RetryNo: 1, ScheduledAt: f.now, Status: model.RetryScheduled,
	}))

	require.NoError(t, f.c.OnFire(ctx, scheduler.Fire{
		TaskID: task.ID, TenantID: acme.ID, TenantCode: acme.Code, ScheduledTime: f.now, Attempt: 1, RetryOf: "prev",
	}))
	recs, err := f.store.ListRetries(ctx, acme.ID, "prev")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.RetryFired, recs[0].Status)

	list, err := f.c.Executions(ctx, acme, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Attempt)
}
