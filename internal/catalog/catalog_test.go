package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skytask/internal/errs"
	"skytask/internal/executor"
	"skytask/internal/model"
	"skytask/internal/storage"
	"skytask/internal/tenant"
	logx "skytask/pkg/logx"
)

var acme = tenant.Tenant{ID: 1, Code: "acme"}

type schedCall struct {
	op     string
	tenant int64
	task   int64
}

type fakeScheduler struct {
	mu      sync.Mutex
	calls   []schedCall
	failFor string
}

func (f *fakeScheduler) note(op string, t tenant.Tenant, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, schedCall{op: op, tenant: t.ID, task: id})
	if f.failFor == op {
		return errors.New("trigger engine down")
	}
	return nil
}

func (f *fakeScheduler) ScheduleTask(_ context.Context, t tenant.Tenant, task model.Task) error {
	return f.note("schedule", t, task.ID)
}

func (f *fakeScheduler) RemoveTask(_ context.Context, t tenant.Tenant, id int64) error {
	return f.note("remove", t, id)
}

func (f *fakeScheduler) Unschedule(_ context.Context, t tenant.Tenant, id int64) error {
	return f.note("unschedule", t, id)
}

func (f *fakeScheduler) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.op)
	}
	return out
}

type fakeRunner struct {
	busy     bool
	operator string
	payload  map[string]any
}

func (r *fakeRunner) ExecuteManual(_ context.Context, t tenant.Tenant, id int64, operator string, payload map[string]any) (*model.Instance, error) {
	if r.busy {
		return nil, nil
	}
	r.operator, r.payload = operator, payload
	return &model.Instance{TaskID: id, TenantID: t.ID, InstanceID: "manual-1", Status: model.StatusRunning}, nil
}

type forgotten struct{ ids []int64 }

func (f *forgotten) Forget(_ tenant.Tenant, id int64) { f.ids = append(f.ids, id) }

type fixture struct {
	cat    *Catalog
	store  storage.Store
	sched  *fakeScheduler
	runner *fakeRunner
	forget *forgotten
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	funcs := executor.NewFunc()
	require.NoError(t, funcs.Register("report", func(context.Context, model.DispatchRequest) (model.ExecutionResult, error) {
		return model.ExecutionResult{Status: model.StatusSuccess}, nil
	}))
	f := &fixture{store: store, sched: &fakeScheduler{}, runner: &fakeRunner{}, forget: &forgotten{}}
	f.cat = New(Defaults{MaxRetry: 3, RetryBackoffMs: 2000}, Deps{
		Store:     store,
		Scheduler: f.sched,
		Runner:    f.runner,
		Executors: executor.NewRegistry(funcs, executor.NewHTTP(nil, logx.Nop())),
		Tenants:   tenant.NewResolver(store),
		Forgetter: f.forget,
		Now:       func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	}, logx.Nop())
	return f
}

func cronReq(name string) TaskRequest {
	return TaskRequest{
		Name:         name,
		Type:         model.TaskCron,
		CronExpr:     "0 0/5 * * * ?",
		Timezone:     "UTC",
		ExecutorKind: model.ExecutorFunc,
		Handler:      "report",
	}
}

func TestCreateAppliesDefaultsAndSchedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.cat.Create(ctx, acme, cronReq("nightly"), "")
	require.NoError(t, err)
	assert.NotZero(t, task.ID)
	assert.True(t, task.Enabled)
	assert.True(t, task.AlertEnabled)
	assert.Equal(t, "system", task.CreatedBy)
	assert.Equal(t, 3, task.MaxRetry)
	assert.Equal(t, int64(2000), task.RetryBackoffMs)
	assert.Equal(t, model.RetryExpBackoff, task.RetryPolicy)
	assert.Equal(t, []string{"schedule"}, f.sched.ops())

	zero := 0
	req := cronReq("once")
	req.MaxRetry = &zero
	req.Timezone = ""
	task, err = f.cat.Create(ctx, acme, req, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, task.MaxRetry)
	assert.Equal(t, model.DefaultTimezone, task.Timezone)
	assert.Equal(t, "alice", task.CreatedBy)

	_, err = f.cat.Create(ctx, acme, cronReq("nightly"), "bob")
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)

	other := tenant.Tenant{ID: 2, Code: "globex"}
	_, err = f.cat.Create(ctx, other, cronReq("nightly"), "bob")
	assert.NoError(t, err, "names are unique per tenant")
}

func TestCreateRejectsInvalidDefinitions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]func(r *TaskRequest){
		"empty name":       func(r *TaskRequest) { r.Name = "  " },
		"bad type":         func(r *TaskRequest) { r.Type = "HOURLY" },
		"bad cron":         func(r *TaskRequest) { r.CronExpr = "every now and then" },
		"bad timezone":     func(r *TaskRequest) { r.Timezone = "Mars/Olympus" },
		"bad policy":       func(r *TaskRequest) { r.RetryPolicy = "SOMETIMES" },
		"unknown handler":  func(r *TaskRequest) { r.Handler = "missing" },
		"unknown executor": func(r *TaskRequest) { r.ExecutorKind = "GRPC" },
		"no handler":       func(r *TaskRequest) { r.Handler = "" },
	}
	for name, mutate := range cases {
		req := cronReq("t-" + name)
		mutate(&req)
		_, err := f.cat.Create(ctx, acme, req, "alice")
		assert.ErrorIs(t, err, errs.ErrInvalidArgument, name)
	}
	_, err := f.cat.Create(ctx, tenant.Tenant{}, cronReq("x"), "alice")
	assert.ErrorIs(t, err, errs.ErrTenantRequired)

	tasks, err := f.store.ListTasks(ctx, acme.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, f.sched.ops())
}

func TestCreateCompensatesWhenSchedulingFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sched.failFor = "schedule"

	_, err := f.cat.Create(context.Background(), acme, cronReq("nightly"), "alice")
	require.Error(t, err)

	_, found, err := f.store.FindTaskByName(context.Background(), acme.ID, "nightly")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdateKeepsEnabledAndReschedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	task, err := f.cat.Create(ctx, acme, cronReq("nightly"), "alice")
	require.NoError(t, err)
	_, err = f.cat.Toggle(ctx, acme, task.ID, false)
	require.NoError(t, err)

	req := cronReq("nightly-v2")
	req.CronExpr = "0 30 2 * * ?"
	updated, err := f.cat.Update(ctx, acme, task.ID, req)
	require.NoError(t, err)
	assert.Equal(t, "nightly-v2", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "alice", updated.CreatedBy)
	assert.Equal(t, []string{"schedule", "unschedule", "schedule"}, f.sched.ops())

	_, err = f.cat.Create(ctx, acme, cronReq("taken"), "alice")
	require.NoError(t, err)
	_, err = f.cat.Update(ctx, acme, task.ID, cronReq("taken"))
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)

	_, err = f.cat.Update(ctx, tenant.Tenant{ID: 2, Code: "globex"}, task.ID, req)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdateRevertsWhenSchedulingFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	task, err := f.cat.Create(ctx, acme, cronReq("nightly"), "alice")
	require.NoError(t, err)

	f.sched.failFor = "schedule"
	_, err = f.cat.Update(ctx, acme, task.ID, cronReq("renamed"))
	require.Error(t, err)

	got, err := f.cat.Get(ctx, acme, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly", got.Name)
}

func TestUpdateWithoutAlertFlagKeepsStoredValue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	off := false
	req := cronReq("quiet")
	req.AlertEnabled = &off
	task, err := f.cat.Create(ctx, acme, req, "alice")
	require.NoError(t, err)
	require.False(t, task.AlertEnabled)

	req = cronReq("quiet")
	req.Description = "still quiet"
	updated, err := f.cat.Update(ctx, acme, task.ID, req)
	require.NoError(t, err)
	assert.False(t, updated.AlertEnabled)
	assert.Equal(t, "still quiet", updated.Description)

	on := true
	req.AlertEnabled = &on
	updated, err = f.cat.Update(ctx, acme, task.ID, req)
	require.NoError(t, err)
	assert.True(t, updated.AlertEnabled)
}

func TestToggleAndDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	task, err := f.cat.Create(ctx, acme, cronReq("nightly"), "alice")
	require.NoError(t, err)

	off, err := f.cat.Toggle(ctx, acme, task.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Enabled)
	on, err := f.cat.Toggle(ctx, acme, task.ID, true)
	require.NoError(t, err)
	assert.True(t, on.Enabled)

	require.NoError(t, f.cat.Delete(ctx, acme, task.ID))
	assert.Equal(t, []string{"schedule", "unschedule", "schedule", "remove"}, f.sched.ops())
	assert.Equal(t, []int64{task.ID}, f.forget.ids)

	_, err = f.cat.Get(ctx, acme, task.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, f.cat.Delete(ctx, acme, task.ID), errs.ErrNotFound)
	_, err = f.cat.Toggle(ctx, acme, task.ID, true)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTrigger(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	in, err := f.cat.Trigger(ctx, acme, 7, "alice", map[string]any{"force": true})
	require.NoError(t, err)
	assert.Equal(t, "manual-1", in.InstanceID)
	assert.Equal(t, "alice", f.runner.operator)
	assert.Equal(t, true, f.runner.payload["force"])

	f.runner.busy = true
	_, err = f.cat.Trigger(ctx, acme, 7, "alice", nil)
	assert.ErrorIs(t, err, errs.ErrLockUnavailable)
	assert.Contains(t, err.Error(), "already running")
}

func TestRestoreAllReschedulesEveryTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for _, code := range []string{"acme", "globex"} {
		rec := storage.TenantRecord{Code: code, Name: code}
		require.NoError(t, f.store.CreateTenant(ctx, &rec))
		tn := tenant.Tenant{ID: rec.ID, Code: rec.Code}
		_, err := f.cat.Create(ctx, tn, cronReq("nightly"), "alice")
		require.NoError(t, err)
	}
	orphan := model.Task{TenantID: 99, Name: "orphan", Type: model.TaskCron, CronExpr: "@hourly", ExecutorKind: model.ExecutorFunc, Handler: "report"}
	orphan.ApplyDefaults()
	require.NoError(t, f.store.CreateTask(ctx, &orphan))
	once := model.Task{TenantID: 1, Name: "once", Type: model.TaskOneTime, ExecutorKind: model.ExecutorFunc, Handler: "report"}
	once.ApplyDefaults()
	require.NoError(t, f.store.CreateTask(ctx, &once))

	f.sched.calls = nil
	n, err := f.cat.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"schedule", "schedule"}, f.sched.ops())
}
