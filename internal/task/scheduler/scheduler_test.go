package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skytask/internal/errs"
	"skytask/internal/eventbus"
	"skytask/internal/model"
	"skytask/internal/storage"
	"skytask/internal/tenant"
	logx "skytask/pkg/logx"
)

var acme = tenant.Tenant{ID: 1, Code: "acme"}

type fireSink struct {
	mu    sync.Mutex
	fires []Fire
	ch    chan Fire
}

func newSink() *fireSink { return &fireSink{ch: make(chan Fire, 16)} }

func (f *fireSink) handle(_ context.Context, fr Fire) error {
	f.mu.Lock()
	f.fires = append(f.fires, fr)
	f.mu.Unlock()
	f.ch <- fr
	return nil
}

func (f *fireSink) wait(t *testing.T) Fire {
	t.Helper()
	select {
	case fr := <-f.ch:
		return fr
	case <-time.After(3 * time.Second):
		t.Fatal("no fire")
		return Fire{}
	}
}

func startSched(t *testing.T, st storage.JobStore, cfg Config) (*Service, *fireSink) {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, st, logx.Nop(), eventbus.New())
	sink := newSink()
	s.OnFire(sink.handle)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, sink
}

func cronTask(id int64, expr string) model.Task {
	return model.Task{ID: id, TenantID: 1, Name: "t", Type: model.TaskCron, CronExpr: expr, Timezone: "UTC", Enabled: true}
}

func TestScheduleCronThenRemove(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s, _ := startSched(t, st, Config{})
	ctx := context.Background()

	require.NoError(t, s.ScheduleTask(ctx, acme, cronTask(7, "0 0/15 * * * ?")))
	snap := s.Snapshot()
	require.Len(t, snap.Triggers, 1)
	next := snap.Triggers[0].Next.UTC()
	assert.Zero(t, next.Minute()%15)
	assert.Zero(t, next.Second())
	assert.Equal(t, TriggerKey(7), snap.Triggers[0].Key)

	trs, err := st.ListTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, storage.TriggerCron, trs[0].Kind)

	require.NoError(t, s.RemoveTask(ctx, acme, 7))
	trs, err = st.ListTriggers(ctx)
	require.NoError(t, err)
	assert.Empty(t, trs)
	assert.Empty(t, s.Snapshot().Triggers)
	_, ok, err := st.GetJob(ctx, JobKey(7))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuarterHourFireTimes(t *testing.T) {
	t.Parallel()
	from := time.Date(2024, 5, 1, 10, 7, 30, 0, time.UTC)
	times, err := NextFireTimes("0 0/15 * * * ?", "UTC", from, 4)
	require.NoError(t, err)
	require.Len(t, times, 4)
	for i, m := range []int{15, 30, 45, 0} {
		assert.Equal(t, m, times[i].Minute())
		assert.Zero(t, times[i].Second())
	}
}

func TestInvalidCronRejectedBeforePersistence(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s, _ := startSched(t, st, Config{})
	ctx := context.Background()

	err := s.ScheduleTask(ctx, acme, cronTask(3, "not-a-cron"))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, ok, err := st.GetJob(ctx, JobKey(3))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, ValidateCron("0 * * * *", "Mars/Olympus"), errs.ErrInvalidArgument)
	assert.NoError(t, ValidateCron("@hourly", "Asia/Shanghai"))
}

func TestDisabledTaskKeepsJobWithoutTrigger(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s, _ := startSched(t, st, Config{})
	ctx := context.Background()

	task := cronTask(4, "@hourly")
	require.NoError(t, s.ScheduleTask(ctx, acme, task))
	task.Enabled = false
	require.NoError(t, s.ScheduleTask(ctx, acme, task))

	_, ok, err := st.GetJob(ctx, JobKey(4))
	require.NoError(t, err)
	assert.True(t, ok)
	trs, err := st.ListTriggers(ctx)
	require.NoError(t, err)
	assert.Empty(t, trs)
	assert.Empty(t, s.Snapshot().Triggers)
}

func TestRepeatIntervalFloor(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s, _ := startSched(t, st, Config{})
	ctx := context.Background()

	rate := model.Task{ID: 10, Type: model.TaskFixedRate, TimeoutSeconds: 120, Enabled: true}
	require.NoError(t, s.ScheduleTask(ctx, acme, rate))
	once := model.Task{ID: 11, Type: model.TaskOneTime, TimeoutSeconds: 5, Enabled: true}
	require.NoError(t, s.ScheduleTask(ctx, acme, once))

	trs, err := st.ListTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, trs, 2)
	byTask := map[int64]storage.TriggerRecord{}
	for _, tr := range trs {
		byTask[tr.TaskID] = tr
	}
	assert.Equal(t, 2*time.Minute, byTask[10].Interval)
	assert.Equal(t, storage.TriggerOnce, byTask[11].Kind)
	assert.WithinDuration(t, time.Now().Add(time.Minute), byTask[11].FireAt, 5*time.Second)
}

func TestScheduleRetryFiresOnceWithAttempt(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s, sink := startSched(t, st, Config{})
	ctx := context.Background()
	require.NoError(t, s.ScheduleTask(ctx, acme, cronTask(5, "@yearly")))

	fireAt := time.Now().Add(30 * time.Millisecond)
	require.NoError(t, s.ScheduleRetry(ctx, acme, Retry{TaskID: 5, FireAt: fireAt, Attempt: 2, InstanceID: "inst-1"}))

	fr := sink.wait(t)
	assert.Equal(t, int64(5), fr.TaskID)
	assert.Equal(t, 2, fr.Attempt)
	assert.Equal(t, "inst-1", fr.RetryOf)
	assert.Equal(t, "acme", fr.TenantCode)
	assert.Equal(t, RetryKey(5, fireAt), fr.TriggerKey)
	assert.False(t, fr.Misfire)

	assert.Eventually(t, func() bool {
		trs, err := st.ListTriggers(ctx)
		return err == nil && len(trs) == 1 && trs[0].Key == TriggerKey(5)
	}, time.Second, 10*time.Millisecond)
}

func TestScheduleRetryMissingJobIsNoop(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s, _ := startSched(t, st, Config{})
	ctx := context.Background()

	require.NoError(t, s.ScheduleRetry(ctx, acme, Retry{TaskID: 99, FireAt: time.Now().Add(time.Hour), Attempt: 1}))
	trs, err := st.ListTriggers(ctx)
	require.NoError(t, err)
	assert.Empty(t, trs)
}

func TestRestoreFiresOverdueOneShotAsMisfire(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.SaveJob(ctx, storage.JobRecord{Key: JobKey(8), TaskID: 8, TenantID: 1, TenantCode: "acme"}))
	require.NoError(t, st.SaveTrigger(ctx, storage.TriggerRecord{
		Key: RetryKey(8, time.UnixMilli(1000)), JobKey: JobKey(8), TaskID: 8, TenantID: 1, TenantCode: "acme",
		Kind: storage.TriggerOnce, FireAt: time.Now().Add(-time.Hour), Attempt: 1, RetryOf: "old",
	}))

	_, sink := startSched(t, st, Config{MisfireGrace: time.Minute})
	fr := sink.wait(t)
	assert.True(t, fr.Misfire)
	assert.Equal(t, 1, fr.Attempt)
	assert.Equal(t, "old", fr.RetryOf)
}

func TestTriggerNow(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s, sink := startSched(t, st, Config{})
	ctx := context.Background()
	require.NoError(t, s.ScheduleTask(ctx, acme, cronTask(6, "@yearly")))

	require.NoError(t, s.TriggerNow(ctx, acme, 6))
	fr := sink.wait(t)
	assert.Equal(t, int64(6), fr.TaskID)
	assert.Zero(t, fr.Attempt)

	assert.ErrorIs(t, s.TriggerNow(ctx, acme, 404), errs.ErrNotFound)
	other := tenant.Tenant{ID: 2, Code: "globex"}
	assert.ErrorIs(t, s.TriggerNow(ctx, other, 6), errs.ErrNotFound)
	assert.ErrorIs(t, s.RemoveTask(ctx, other, 6), errs.ErrNotFound)
	assert.ErrorIs(t, s.ScheduleTask(ctx, tenant.Tenant{}, cronTask(6, "@yearly")), errs.ErrTenantRequired)
}

func TestUnscheduleKeepsJob(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s, _ := startSched(t, st, Config{})
	ctx := context.Background()
	require.NoError(t, s.ScheduleTask(ctx, acme, cronTask(12, "@daily")))
	require.NoError(t, s.ScheduleRetry(ctx, acme, Retry{TaskID: 12, FireAt: time.Now().Add(time.Hour), Attempt: 1}))
	require.Len(t, s.Snapshot().Triggers, 2)

	require.NoError(t, s.Unschedule(ctx, acme, 12))
	assert.Empty(t, s.Snapshot().Triggers)
	trs, err := st.ListTriggers(ctx)
	require.NoError(t, err)
	assert.Empty(t, trs)
	_, ok, err := st.GetJob(ctx, JobKey(12))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateScheduleAnchored(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newRateSchedule(anchor, time.Minute, false)
	assert.Equal(t, anchor, r.Next(anchor.Add(-time.Hour)))
	assert.Equal(t, anchor.Add(time.Minute), r.Next(anchor))
	assert.Equal(t, anchor.Add(3*time.Minute), r.Next(anchor.Add(2*time.Minute+time.Second)))

	fresh := newRateSchedule(anchor, time.Minute, true)
	now := anchor.Add(time.Millisecond)
	assert.Equal(t, now, fresh.Next(now), "first fire is immediate")
	assert.Equal(t, anchor.Add(time.Minute), fresh.Next(now))
	assert.Equal(t, time.Second, newRateSchedule(anchor, 0, false).every)
}

func TestFixedRateFiresImmediately(t *testing.T) {
	t.Parallel()
	s, sink := startSched(t, storage.NewMemory(), Config{})
	task := model.Task{ID: 21, Type: model.TaskFixedRate, TimeoutSeconds: 0, Enabled: true}
	require.NoError(t, s.ScheduleTask(context.Background(), acme, task))

	fr := sink.wait(t)
	assert.Equal(t, int64(21), fr.TaskID)
	assert.Equal(t, TriggerKey(21), fr.TriggerKey)

	require.Eventually(t, func() bool {
		trs := s.Snapshot().Triggers
		return len(trs) == 1 && trs[0].Next.After(time.Now().Add(50*time.Second))
	}, time.Second, 10*time.Millisecond, "next fire is one interval out")
}
