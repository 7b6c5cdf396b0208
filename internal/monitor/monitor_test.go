package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skytask/internal/eventbus"
	"skytask/internal/model"
	"skytask/internal/notifier"
	"skytask/internal/observability"
	"skytask/internal/storage"
	"skytask/internal/tenant"
	logx "skytask/pkg/logx"
)

var acme = tenant.Tenant{ID: 7, Code: "acme"}

type collect struct {
	mu  sync.Mutex
	evs []model.EscalationEvent
}

func (c *collect) Publish(_ context.Context, ev model.EscalationEvent) error {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
	return nil
}

func (c *collect) all() []model.EscalationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.EscalationEvent(nil), c.evs...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newMonitor(cfg Config) (*Monitor, *collect, *clock) {
	pub := &collect{}
	clk := &clock{t: time.UnixMilli(1_700_000_000_000)}
	return New(cfg, pub, logx.Nop(), WithClock(clk.now), WithMetrics(observability.NewRegistry())), pub, clk
}

var flaky = model.Task{ID: 3, TenantID: acme.ID, Name: "flaky", AlertEnabled: true}

func TestFiftyFailuresEscalateOnce(t *testing.T) {
	t.Parallel()
	m, pub, clk := newMonitor(Config{})
	for range 50 {
		m.RecordResult(acme, flaky, false)
		clk.advance(time.Second)
	}
	evs := pub.all()
	require.Len(t, evs, 1)
	assert.Equal(t, 10, evs[0].SampleCount)
	assert.Equal(t, 100.0, evs[0].FailureRate)
	assert.Equal(t, "flaky", evs[0].TaskName)
	assert.Equal(t, "acme", evs[0].TenantCode)
}

func TestEscalationGates(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		outcomes []bool
		task     model.Task
		want     int
	}{
		{"below min samples", []bool{false, false, false, false, false, false, false, false, false}, flaky, 0},
		{"below threshold", []bool{false, false, true, true, true, true, true, true, true, true}, flaky, 0},
		{"at threshold", []bool{false, false, false, true, true, true, true, true, true, true}, flaky, 1},
		{"alerts off still escalates", []bool{false, false, false, false, false, false, false, false, false, false}, model.Task{ID: 4, Name: "quiet"}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m, pub, _ := newMonitor(Config{})
			for _, ok := range tc.outcomes {
				m.RecordResult(acme, tc.task, ok)
			}
			assert.Len(t, pub.all(), tc.want)
		})
	}
}

func TestCooldownAndWindowReset(t *testing.T) {
	t.Parallel()
	m, pub, clk := newMonitor(Config{Window: 5 * time.Minute, Cooldown: 10 * time.Minute, MinSamples: 2, Threshold: 50})
	m.RecordResult(acme, flaky, false)
	m.RecordResult(acme, flaky, false)
	require.Len(t, pub.all(), 1)

	clk.advance(6 * time.Minute)
	m.RecordResult(acme, flaky, true)
	st, ok := m.Stats(acme, flaky.ID)
	require.True(t, ok)
	assert.Equal(t, 1, st.Success)
	assert.Equal(t, 0, st.Failure, "window snaps to empty once stale")

	m.RecordResult(acme, flaky, false)
	assert.Len(t, pub.all(), 1, "inside cooldown")

	clk.advance(5 * time.Minute)
	m.RecordResult(acme, flaky, false)
	m.RecordResult(acme, flaky, false)
	assert.Len(t, pub.all(), 2)

	other := tenant.Tenant{ID: 8, Code: "other"}
	_, ok = m.Stats(other, flaky.ID)
	assert.False(t, ok, "windows are tenant scoped")
	m.Forget(acme, flaky.ID)
	_, ok = m.Stats(acme, flaky.ID)
	assert.False(t, ok)
}

func TestConcurrentRecordsAreCounted(t *testing.T) {
	t.Parallel()
	m, pub, _ := newMonitor(Config{})
	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordResult(acme, flaky, i%2 == 0)
		}()
	}
	wg.Wait()
	st, _ := m.Stats(acme, flaky.ID)
	assert.Equal(t, 100, st.Success)
	assert.Equal(t, 100, st.Failure)
	assert.Len(t, pub.all(), 1)
}

type unscheduler struct {
	mu    sync.Mutex
	calls []int64
}

func (u *unscheduler) Unschedule(_ context.Context, _ tenant.Tenant, id int64) error {
	u.mu.Lock()
	u.calls = append(u.calls, id)
	u.mu.Unlock()
	return nil
}

type notices struct {
	mu  sync.Mutex
	got []notifier.Notification
	err error
}

func (n *notices) Notify(_ context.Context, x notifier.Notification) error {
	n.mu.Lock()
	n.got = append(n.got, x)
	n.mu.Unlock()
	return n.err
}

func (n *notices) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.got)
}

func TestRecoveryThroughQueue(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := storage.NewMemory()
	task := model.Task{TenantID: acme.ID, Name: "flaky", Type: model.TaskCron, CronExpr: "0 * * * * ?",
		ExecutorKind: model.ExecutorFunc, Handler: "x", Enabled: true, AlertEnabled: true}
	require.NoError(t, st.CreateTask(ctx, &task))

	uns := &unscheduler{}
	note := &notices{err: errors.New("smtp down")}
	bus := eventbus.New()
	degraded, unsub := bus.Subscribe(4, eventbus.TaskDegraded)
	defer unsub()
	rec := NewRecovery(RecoveryDeps{Store: st, Scheduler: uns, Notifier: note, Bus: bus,
		Channels: []notifier.Channel{notifier.ChannelLog, notifier.ChannelEmail}}, logx.Nop())

	q := NewQueue(8, logx.Nop())
	defer q.Close()
	loop, err := q.Subscribe(ctx, rec.Handle)
	require.NoError(t, err)
	go func() { _ = loop(ctx) }()

	m := New(Config{}, q, logx.Nop())
	for range 12 {
		m.RecordResult(acme, task, false)
	}

	select {
	case ev := <-degraded:
		assert.Equal(t, acme.ID, ev.Tenant)
	case <-time.After(2 * time.Second):
		t.Fatal("task was not degraded")
	}
	require.Eventually(t, func() bool { return note.count() == 1 }, time.Second, 5*time.Millisecond)

	got, err := st.GetTask(ctx, acme.ID, task.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled, "notification failure does not roll back")
	assert.Equal(t, []int64{task.ID}, uns.calls)
	assert.Equal(t, "[SkyTask] Task flaky failure rate 100.00%", note.got[0].Subject)
	assert.Contains(t, note.got[0].Body, "action: task disabled and trigger removed")

	audit, err := st.ListAudit(ctx, acme.ID, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, ActionAutoDisable, audit[0].Action)
	assert.True(t, audit[0].OK)
}

func TestRecoveryOfDisabledOrMissingTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	task := model.Task{TenantID: acme.ID, Name: "off", Type: model.TaskCron, CronExpr: "0 * * * * ?",
		ExecutorKind: model.ExecutorFunc, Handler: "x", Enabled: false, AlertEnabled: true}
	require.NoError(t, st.CreateTask(ctx, &task))
	uns := &unscheduler{}
	note := &notices{}
	rec := NewRecovery(RecoveryDeps{Store: st, Scheduler: uns, Notifier: note}, logx.Nop())

	require.NoError(t, rec.Handle(ctx, model.EscalationEvent{TaskID: task.ID, TenantID: acme.ID, TenantCode: "acme", FailureRate: 40, SampleCount: 10}))
	assert.Empty(t, uns.calls)
	assert.Equal(t, 1, note.count(), "notice is sent even when already disabled")
	assert.Contains(t, note.got[0].Body, "already disabled")

	require.NoError(t, rec.Handle(ctx, model.EscalationEvent{TaskID: 999, TenantID: acme.ID}))
	assert.Equal(t, 1, note.count())
}

func TestMutedTaskIsDisabledWithoutNotice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	task := model.Task{TenantID: acme.ID, Name: "muted", Type: model.TaskCron, CronExpr: "0 * * * * ?",
		ExecutorKind: model.ExecutorFunc, Handler: "x", Enabled: true, AlertEnabled: false}
	require.NoError(t, st.CreateTask(ctx, &task))
	uns := &unscheduler{}
	note := &notices{}
	rec := NewRecovery(RecoveryDeps{Store: st, Scheduler: uns, Notifier: note}, logx.Nop())

	m, pub, _ := newMonitor(Config{})
	for range 50 {
		m.RecordResult(acme, task, false)
	}
	evs := pub.all()
	require.Len(t, evs, 1, "cooldown allows one escalation")

	require.NoError(t, rec.Handle(ctx, evs[0]))
	got, err := st.GetTask(ctx, acme.ID, task.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, []int64{task.ID}, uns.calls)
	assert.Zero(t, note.count())
}
