package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"skytask/internal/errs"
	"skytask/internal/eventbus"
	"skytask/internal/model"
	"skytask/internal/storage"
	"skytask/internal/tenant"
	logx "skytask/pkg/logx"
)

// ScheduleTask upserts the task's job, drops its previous schedule trigger
// and, when the task is enabled, arms a new one:
//   - CRON fires on the expression in the task timezone
//   - FIXED_RATE repeats every max(timeout, 60s)
//   - ONE_TIME fires once after max(timeout, 60s)
//
// A disabled task keeps its job without a trigger. Retry triggers are untouched.
func (s *Service) ScheduleTask(ctx context.Context, t tenant.Tenant, task model.Task) error {
	if err := tenant.Require(t); err != nil {
		return err
	}
	if task.ID == 0 {
		return errs.InvalidArgument("task id required")
	}
	if task.TenantID != 0 && task.TenantID != t.ID {
		return errs.NotFound("task %d", task.ID)
	}
	rec, err := s.mainTrigger(t, task)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job := storage.JobRecord{Key: JobKey(task.ID), TaskID: task.ID, TenantID: t.ID, TenantCode: t.Code, UpdatedAt: s.now()}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return errs.Store("save job", err)
	}
	if err := s.store.DeleteTrigger(ctx, rec.Key); err != nil {
		return errs.Store("delete trigger", err)
	}
	s.disarmLocked(rec.Key)
	if !task.Enabled {
		s.log.Debug("task stored without trigger", logx.Tenant(t.Code), logx.Int64("task", task.ID))
		return nil
	}
	if err := s.store.SaveTrigger(ctx, rec); err != nil {
		return errs.Store("save trigger", err)
	}
	if s.c != nil {
		if err := s.armLocked(rec, true); err != nil {
			return err
		}
	}
	s.log.Debug("task scheduled", logx.Tenant(t.Code), logx.Int64("task", task.ID),
		logx.String("kind", string(rec.Kind)), logx.String("spec", rec.Spec), logx.Duration("interval", rec.Interval))
	return nil
}

func (s *Service) mainTrigger(t tenant.Tenant, task model.Task) (storage.TriggerRecord, error) {
	now := s.now()
	rec := storage.TriggerRecord{
		Key:        TriggerKey(task.ID),
		JobKey:     JobKey(task.ID),
		TaskID:     task.ID,
		TenantID:   t.ID,
		TenantCode: t.Code,
		CreatedAt:  now,
	}
	switch model.TaskType(strings.ToUpper(string(task.Type))) {
	case model.TaskCron:
		tz := strings.TrimSpace(task.Timezone)
		if tz == "" {
			tz = s.cfg.Timezone
		}
		if err := ValidateCron(task.CronExpr, tz); err != nil {
			return rec, err
		}
		rec.Kind = storage.TriggerCron
		rec.Spec = strings.TrimSpace(task.CronExpr)
		rec.Timezone = tz
	case model.TaskFixedRate:
		rec.Kind = storage.TriggerRate
		rec.Interval = repeatInterval(task.TimeoutSeconds)
	case model.TaskOneTime:
		rec.Kind = storage.TriggerOnce
		rec.FireAt = now.Add(repeatInterval(task.TimeoutSeconds))
	default:
		return rec, errs.InvalidArgument("unsupported task type %q", task.Type)
	}
	return rec, nil
}

// RemoveTask deletes the task's job together with all of its triggers.
func (s *Service) RemoveTask(ctx context.Context, t tenant.Tenant, taskID int64) error {
	return s.dropTriggers(ctx, t, taskID, true)
}

// Unschedule removes every trigger of the task but keeps the job.
func (s *Service) Unschedule(ctx context.Context, t tenant.Tenant, taskID int64) error {
	return s.dropTriggers(ctx, t, taskID, false)
}

func (s *Service) dropTriggers(ctx context.Context, t tenant.Tenant, taskID int64, withJob bool) error {
	if err := tenant.Require(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := JobKey(taskID)
	j, ok, err := s.store.GetJob(ctx, key)
	if err != nil {
		return errs.Store("get job", err)
	}
	if ok && j.TenantID != t.ID {
		return errs.NotFound("task %d", taskID)
	}
	if withJob {
		err = s.store.DeleteJob(ctx, key)
	} else {
		err = s.store.DeleteTriggersForJob(ctx, key)
	}
	if err != nil {
		return errs.Store("delete triggers", err)
	}
	n := s.disarmTaskLocked(taskID)
	s.log.Debug("task triggers removed", logx.Tenant(t.Code), logx.Int64("task", taskID), logx.Int("armed", n), logx.Bool("job", withJob))
	return nil
}

// TriggerNow fires the task once, independent of its schedule.
func (s *Service) TriggerNow(ctx context.Context, t tenant.Tenant, taskID int64) error {
	if err := tenant.Require(t); err != nil {
		return err
	}
	j, ok, err := s.store.GetJob(ctx, JobKey(taskID))
	if err != nil {
		return errs.Store("get job", err)
	}
	if !ok || j.TenantID != t.ID {
		return errs.NotFound("task %d", taskID)
	}

	s.mu.Lock()
	if s.c == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	base := s.baseCtx
	s.fires.Add(1)
	s.mu.Unlock()

	f := Fire{TaskID: taskID, TenantID: t.ID, TenantCode: t.Code, TriggerKey: "now-" + JobKey(taskID), ScheduledTime: s.now()}
	go func() {
		defer s.fires.Done()
		s.fire(base, f)
	}()
	return nil
}

// ScheduleRetry attaches a one-shot trigger carrying the attempt number to
// the task's job. A missing job is logged and ignored.
func (s *Service) ScheduleRetry(ctx context.Context, t tenant.Tenant, r Retry) error {
	if err := tenant.Require(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok, err := s.store.GetJob(ctx, JobKey(r.TaskID))
	if err != nil {
		return errs.Store("get job", err)
	}
	if !ok {
		s.log.Warn("retry not scheduled: job no longer exists", logx.Tenant(t.Code), logx.Int64("task", r.TaskID), logx.Int("attempt", r.Attempt))
		return nil
	}
	if j.TenantID != t.ID {
		return errs.NotFound("task %d", r.TaskID)
	}
	rec := storage.TriggerRecord{
		Key:        RetryKey(r.TaskID, r.FireAt),
		JobKey:     j.Key,
		TaskID:     r.TaskID,
		TenantID:   t.ID,
		TenantCode: t.Code,
		Kind:       storage.TriggerOnce,
		FireAt:     r.FireAt,
		Attempt:    r.Attempt,
		RetryOf:    r.InstanceID,
		CreatedAt:  s.now(),
	}
	if err := s.store.SaveTrigger(ctx, rec); err != nil {
		return errs.Store("save retry trigger", err)
	}
	if s.c != nil {
		if err := s.armLocked(rec, false); err != nil {
			return err
		}
	}
	s.log.Debug("retry scheduled", logx.Tenant(t.Code), logx.Int64("task", r.TaskID),
		logx.Int("attempt", r.Attempt), logx.Time("fire_at", r.FireAt))
	return nil
}

// armLocked makes rec live in this process, replacing an armed trigger with
// the same key. fresh marks a trigger that was just scheduled: a rate
// trigger then fires immediately.
func (s *Service) armLocked(rec storage.TriggerRecord, fresh bool) error {
	s.disarmLocked(rec.Key)
	a := &armed{rec: rec}
	switch rec.Kind {
	case storage.TriggerCron:
		tz := rec.Timezone
		if tz == "" {
			tz = s.cfg.Timezone
		}
		sched, err := ParseCron(rec.Spec, tz)
		if err != nil {
			return err
		}
		a.entryID = s.c.Schedule(sched, s.cronJob(rec))
	case storage.TriggerRate:
		a.entryID = s.c.Schedule(newRateSchedule(rec.CreatedAt, rec.Interval, fresh), s.cronJob(rec))
	case storage.TriggerOnce:
		s.onceVer++
		a.ver = s.onceVer
		delay := max(rec.FireAt.Sub(s.now()), 0)
		key, ver := rec.Key, a.ver
		a.timer = time.AfterFunc(delay, func() { s.fireOnce(key, ver) })
	default:
		return fmt.Errorf("trigger %s: unknown kind %q", rec.Key, rec.Kind)
	}
	s.armed[rec.Key] = a
	return nil
}

func (s *Service) disarmLocked(key string) {
	a, ok := s.armed[key]
	if !ok {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	if a.entryID != 0 && s.c != nil {
		s.c.Remove(a.entryID)
	}
	delete(s.armed, key)
}

func (s *Service) disarmTaskLocked(taskID int64) int {
	n := 0
	for key, a := range s.armed {
		if a.rec.TaskID == taskID {
			s.disarmLocked(key)
			n++
		}
	}
	return n
}

func (s *Service) cronJob(rec storage.TriggerRecord) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		s.fire(ctx, Fire{
			TaskID:        rec.TaskID,
			TenantID:      rec.TenantID,
			TenantCode:    rec.TenantCode,
			TriggerKey:    rec.Key,
			ScheduledTime: s.now().Truncate(time.Second),
		})
	})
}

// fireOnce runs a one-shot unless it was replaced or removed meanwhile.
// The trigger row is deleted before dispatch.
func (s *Service) fireOnce(key string, ver uint64) {
	s.mu.Lock()
	a, ok := s.armed[key]
	if !ok || a.ver != ver {
		s.mu.Unlock()
		return
	}
	delete(s.armed, key)
	ctx := s.baseCtx
	grace := s.cfg.MisfireGrace
	s.fires.Add(1)
	s.mu.Unlock()
	defer s.fires.Done()

	rec := a.rec
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := s.store.DeleteTrigger(dctx, key); err != nil {
		s.log.Error("fired trigger not deleted", logx.String("key", key), logx.Err(err))
	}
	cancel()

	f := Fire{
		TaskID:        rec.TaskID,
		TenantID:      rec.TenantID,
		TenantCode:    rec.TenantCode,
		TriggerKey:    key,
		ScheduledTime: rec.FireAt,
		Attempt:       rec.Attempt,
		RetryOf:       rec.RetryOf,
	}
	if late := s.now().Sub(rec.FireAt); grace > 0 && late > grace {
		f.Misfire = true
		s.log.Warn("trigger misfired; firing once now", logx.String("key", key), logx.Tenant(rec.TenantCode),
			logx.Int64("task", rec.TaskID), logx.Duration("late", late))
		s.publish(eventbus.TriggerMisfire, rec.TenantID, f)
	}
	s.fire(ctx, f)
}

func (s *Service) fire(ctx context.Context, f Fire) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	s.publish(eventbus.TriggerFired, f.TenantID, f)
	if h == nil {
		s.log.Warn("trigger fired without handler", logx.String("key", f.TriggerKey))
		return
	}
	if err := h(ctx, f); err != nil {
		s.reportFireError(f, err)
	}
}

func (s *Service) publish(typ string, tenantID int64, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Tenant: tenantID, Data: data})
	}
}
