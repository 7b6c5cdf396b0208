package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"skytask/internal/errs"
	"skytask/internal/model"
	logx "skytask/pkg/logx"
)

type sqlStore struct {
	db  *sqlx.DB
	d   dialect
	log logx.Logger
}

func openSQL(d dialect, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if d.name == sqliteDialect.name {
		dsn = strings.TrimSpace(cfg.Path)
		if dsn == "" {
			return nil, errors.New("sqlite path is required")
		}
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, err
			}
		}
	}
	if dsn == "" {
		return nil, fmt.Errorf("%s dsn is required", d.name)
	}

	db, err := sqlx.Open(d.name, dsn)
	if err != nil {
		return nil, err
	}
	if d.name == sqliteDialect.name {
		// SQLite prefers a single writer; ":memory:" also needs one shared connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if cfg.BusyTimeout > 0 {
			_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
		}
	}
	for _, p := range d.pragmas {
		_, _ = db.Exec(p)
	}

	st := &sqlStore{db: db, d: d, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sql store ready")
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range s.d.ddl() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// insertNamed runs a named INSERT and returns the generated id.
func (s *sqlStore) insertNamed(ctx context.Context, q string, arg any) (int64, error) {
	query, args, err := sqlx.Named(q, arg)
	if err != nil {
		return 0, err
	}
	if s.d.returningID {
		var id int64
		err := s.db.QueryRowxContext(ctx, s.db.Rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// replace deletes the row with the given key and inserts arg in one transaction.
func (s *sqlStore) replace(ctx context.Context, table, keyCol, key, insert string, arg any) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM "+table+" WHERE "+keyCol+" = ?"), key); err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, insert, arg); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(q), args...)
}

func affected(res sql.Result) int64 {
	if res == nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return n
}

// ---- tasks ----

const taskCols = `id, tenant_id, name, grp, description, type, cron_expr, timezone, executor_kind, handler, params,
	max_retry, retry_backoff_ms, retry_policy, timeout_seconds, enabled, alert_enabled, created_by, created_at, updated_at`

func (s *sqlStore) CreateTask(ctx context.Context, t *model.Task) error {
	if _, found, err := s.FindTaskByName(ctx, t.TenantID, t.Name); err != nil {
		return err
	} else if found {
		return errs.AlreadyExists("task name %q", t.Name)
	}
	row, err := toTaskRow(*t)
	if err != nil {
		return err
	}
	id, err := s.insertNamed(ctx, `INSERT INTO tasks
		(tenant_id, name, grp, description, type, cron_expr, timezone, executor_kind, handler, params,
		 max_retry, retry_backoff_ms, retry_policy, timeout_seconds, enabled, alert_enabled, created_by, created_at, updated_at)
		VALUES (:tenant_id, :name, :grp, :description, :type, :cron_expr, :timezone, :executor_kind, :handler, :params,
		 :max_retry, :retry_backoff_ms, :retry_policy, :timeout_seconds, :enabled, :alert_enabled, :created_by, :created_at, :updated_at)`, row)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	t.ID = id
	return nil
}

func (s *sqlStore) UpdateTask(ctx context.Context, t *model.Task) error {
	row, err := toTaskRow(*t)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE tasks SET
		name = :name, grp = :grp, description = :description, type = :type, cron_expr = :cron_expr,
		timezone = :timezone, executor_kind = :executor_kind, handler = :handler, params = :params,
		max_retry = :max_retry, retry_backoff_ms = :retry_backoff_ms, retry_policy = :retry_policy,
		timeout_seconds = :timeout_seconds, enabled = :enabled, alert_enabled = :alert_enabled,
		updated_at = :updated_at
		WHERE id = :id AND tenant_id = :tenant_id`, row)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	// MySQL reports 0 affected rows for a no-op update, so confirm existence instead.
	if affected(res) == 0 {
		if _, err := s.GetTask(ctx, t.TenantID, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) DeleteTask(ctx context.Context, tenantID, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM tasks WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected(res) == 0 {
		return errs.NotFound("task %d", id)
	}
	return nil
}

func (s *sqlStore) GetTask(ctx context.Context, tenantID, id int64) (model.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+taskCols+` FROM tasks WHERE id = ? AND tenant_id = ?`), id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, errs.NotFound("task %d", id)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task: %w", err)
	}
	return row.model()
}

func (s *sqlStore) FindTaskByName(ctx context.Context, tenantID int64, name string) (model.Task, bool, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+taskCols+` FROM tasks WHERE tenant_id = ? AND name = ?`), tenantID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, false, nil
	}
	if err != nil {
		return model.Task{}, false, fmt.Errorf("find task: %w", err)
	}
	t, err := row.model()
	if err != nil {
		return model.Task{}, false, err
	}
	return t, true, nil
}

func (s *sqlStore) ListTasks(ctx context.Context, tenantID int64) ([]model.Task, error) {
	return s.selectTasks(ctx, `SELECT `+taskCols+` FROM tasks WHERE tenant_id = ? ORDER BY id`, tenantID)
}

func (s *sqlStore) ListAllTasks(ctx context.Context) ([]model.Task, error) {
	return s.selectTasks(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY id`)
}

func (s *sqlStore) selectTasks(ctx context.Context, q string, args ...any) ([]model.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ---- instances ----

const instanceCols = `id, task_id, tenant_id, instance_id, scheduled_at, triggered_at, triggered_by, status, attempt,
	result, duration_ms, node, created_at, finished_at`

func (s *sqlStore) CreateInstance(ctx context.Context, in *model.Instance) error {
	id, err := s.insertNamed(ctx, `INSERT INTO task_instances
		(task_id, tenant_id, instance_id, scheduled_at, triggered_at, triggered_by, status, attempt, result, duration_ms, node, created_at, finished_at)
		VALUES (:task_id, :tenant_id, :instance_id, :scheduled_at, :triggered_at, :triggered_by, :status, :attempt, :result, :duration_ms, :node, :created_at, :finished_at)`,
		toInstanceRow(*in))
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	in.ID = id
	return nil
}

func (s *sqlStore) UpdateInstance(ctx context.Context, in *model.Instance) error {
	res, err := s.db.NamedExecContext(ctx, `UPDATE task_instances SET
		status = :status, attempt = :attempt, result = :result, duration_ms = :duration_ms,
		node = :node, finished_at = :finished_at
		WHERE tenant_id = :tenant_id AND instance_id = :instance_id`, toInstanceRow(*in))
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if affected(res) == 0 {
		if _, err := s.GetInstance(ctx, in.TenantID, in.InstanceID); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) CompleteInstance(ctx context.Context, in *model.Instance, from model.InstanceStatus) (bool, error) {
	arg := struct {
		instanceRow
		From string `db:"from_status"`
	}{toInstanceRow(*in), string(from)}
	res, err := s.db.NamedExecContext(ctx, `UPDATE task_instances SET
		status = :status, attempt = :attempt, result = :result, duration_ms = :duration_ms,
		node = :node, finished_at = :finished_at
		WHERE tenant_id = :tenant_id AND instance_id = :instance_id AND status = :from_status`, arg)
	if err != nil {
		return false, fmt.Errorf("complete instance: %w", err)
	}
	if affected(res) > 0 {
		return true, nil
	}
	if _, err := s.GetInstance(ctx, in.TenantID, in.InstanceID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqlStore) GetInstance(ctx context.Context, tenantID int64, instanceID string) (model.Instance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+instanceCols+` FROM task_instances WHERE tenant_id = ? AND instance_id = ?`), tenantID, instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Instance{}, errs.NotFound("instance %s", instanceID)
	}
	if err != nil {
		return model.Instance{}, fmt.Errorf("get instance: %w", err)
	}
	return row.model(), nil
}

func (s *sqlStore) ListInstances(ctx context.Context, tenantID, taskID int64, limit int) ([]model.Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []instanceRow
	q := `SELECT ` + instanceCols + ` FROM task_instances WHERE tenant_id = ? AND task_id = ? ORDER BY id DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), tenantID, taskID, limit); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]model.Instance, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// ---- retries ----

func (s *sqlStore) CreateRetry(ctx context.Context, r *model.RetryRecord) error {
	row := retryRow{
		TenantID:    r.TenantID,
		TaskID:      r.TaskID,
		InstanceID:  r.InstanceID,
		RetryNo:     r.RetryNo,
		ScheduledAt: toMs(r.ScheduledAt),
		Status:      string(r.Status),
		CreatedAt:   toMs(r.CreatedAt),
	}
	id, err := s.insertNamed(ctx, `INSERT INTO task_retries
		(tenant_id, task_id, instance_id, retry_no, scheduled_at, status, created_at)
		VALUES (:tenant_id, :task_id, :instance_id, :retry_no, :scheduled_at, :status, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("insert retry: %w", err)
	}
	r.ID = id
	return nil
}

func (s *sqlStore) MarkRetryFired(ctx context.Context, tenantID int64, instanceID string, retryNo int) error {
	res, err := s.exec(ctx, `UPDATE task_retries SET status = ? WHERE tenant_id = ? AND instance_id = ? AND retry_no = ?`,
		string(model.RetryFired), tenantID, instanceID, retryNo)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	if affected(res) == 0 {
		return errs.NotFound("retry %s#%d", instanceID, retryNo)
	}
	return nil
}

func (s *sqlStore) ListRetries(ctx context.Context, tenantID int64, instanceID string) ([]model.RetryRecord, error) {
	q := `SELECT id, tenant_id, task_id, instance_id, retry_no, scheduled_at, status, created_at FROM task_retries WHERE tenant_id = ?`
	args := []any{tenantID}
	if instanceID != "" {
		q += ` AND instance_id = ?`
		args = append(args, instanceID)
	}
	var rows []retryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q+` ORDER BY id`), args...); err != nil {
		return nil, fmt.Errorf("list retries: %w", err)
	}
	out := make([]model.RetryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// ---- tenants ----

func (s *sqlStore) CreateTenant(ctx context.Context, t *TenantRecord) error {
	t.Code = strings.ToLower(strings.TrimSpace(t.Code))
	if _, err := s.GetTenantByCode(ctx, t.Code); err == nil {
		return errs.AlreadyExists("tenant %q", t.Code)
	}
	if t.ID != 0 {
		_, err := s.exec(ctx, `INSERT INTO tenants (id, code, name) VALUES (?, ?, ?)`, t.ID, t.Code, t.Name)
		return err
	}
	id, err := s.insertNamed(ctx, `INSERT INTO tenants (code, name) VALUES (:code, :name)`, tenantRow{Code: t.Code, Name: t.Name})
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	t.ID = id
	return nil
}

func (s *sqlStore) GetTenantByCode(ctx context.Context, code string) (TenantRecord, error) {
	return s.getTenant(ctx, `SELECT id, code, name FROM tenants WHERE code = ?`, strings.ToLower(strings.TrimSpace(code)))
}

func (s *sqlStore) GetTenantByID(ctx context.Context, id int64) (TenantRecord, error) {
	return s.getTenant(ctx, `SELECT id, code, name FROM tenants WHERE id = ?`, id)
}

func (s *sqlStore) getTenant(ctx context.Context, q string, arg any) (TenantRecord, error) {
	var row tenantRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(q), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return TenantRecord{}, errs.NotFound("tenant %v", arg)
	}
	if err != nil {
		return TenantRecord{}, fmt.Errorf("get tenant: %w", err)
	}
	return TenantRecord(row), nil
}

func (s *sqlStore) ListTenants(ctx context.Context) ([]TenantRecord, error) {
	var rows []tenantRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, code, name FROM tenants ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	out := make([]TenantRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, TenantRecord(r))
	}
	return out, nil
}

// ---- jobs / triggers ----

func (s *sqlStore) SaveJob(ctx context.Context, j JobRecord) error {
	row := jobRow{Key: j.Key, TaskID: j.TaskID, TenantID: j.TenantID, TenantCode: j.TenantCode, UpdatedAt: toMs(j.UpdatedAt)}
	return s.replace(ctx, "sched_jobs", "job_key", j.Key,
		`INSERT INTO sched_jobs (job_key, task_id, tenant_id, tenant_code, updated_at)
		 VALUES (:job_key, :task_id, :tenant_id, :tenant_code, :updated_at)`, row)
}

func (s *sqlStore) GetJob(ctx context.Context, key string) (JobRecord, bool, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT job_key, task_id, tenant_id, tenant_code, updated_at FROM sched_jobs WHERE job_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return JobRecord{Key: row.Key, TaskID: row.TaskID, TenantID: row.TenantID, TenantCode: row.TenantCode, UpdatedAt: fromMs(row.UpdatedAt)}, true, nil
}

func (s *sqlStore) DeleteJob(ctx context.Context, key string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sched_triggers WHERE job_key = ?`), key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sched_jobs WHERE job_key = ?`), key); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) SaveTrigger(ctx context.Context, t TriggerRecord) error {
	return s.replace(ctx, "sched_triggers", "trigger_key", t.Key,
		`INSERT INTO sched_triggers
		 (trigger_key, job_key, task_id, tenant_id, tenant_code, kind, spec, timezone, interval_ms, fire_at, attempt, retry_of, created_at)
		 VALUES (:trigger_key, :job_key, :task_id, :tenant_id, :tenant_code, :kind, :spec, :timezone, :interval_ms, :fire_at, :attempt, :retry_of, :created_at)`,
		toTriggerRow(t))
}

func (s *sqlStore) DeleteTrigger(ctx context.Context, key string) error {
	_, err := s.exec(ctx, `DELETE FROM sched_triggers WHERE trigger_key = ?`, key)
	return err
}

func (s *sqlStore) DeleteTriggersForJob(ctx context.Context, jobKey string) error {
	_, err := s.exec(ctx, `DELETE FROM sched_triggers WHERE job_key = ?`, jobKey)
	return err
}

func (s *sqlStore) ListTriggers(ctx context.Context) ([]TriggerRecord, error) {
	var rows []triggerRow
	err := s.db.SelectContext(ctx, &rows, `SELECT trigger_key, job_key, task_id, tenant_id, tenant_code, kind, spec, timezone,
		interval_ms, fire_at, attempt, retry_of, created_at FROM sched_triggers ORDER BY trigger_key`)
	if err != nil {
		return nil, err
	}
	out := make([]TriggerRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// ---- leases ----

// AcquireLease takes over an expired (or own) lease, else inserts a new one.
// A failed insert means another owner won the race.
func (s *sqlStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	nowMs := now.UnixMilli()
	exp := now.Add(ttl).UnixMilli()
	res, err := s.exec(ctx, `UPDATE leases SET owner = ?, expires_at = ? WHERE lease_name = ? AND (expires_at < ? OR owner = ?)`,
		owner, exp, name, nowMs, owner)
	if err != nil {
		return false, err
	}
	if affected(res) > 0 {
		return true, nil
	}
	if _, err := s.exec(ctx, `INSERT INTO leases (lease_name, owner, expires_at) VALUES (?, ?, ?)`, name, owner, exp); err != nil {
		var n int
		if cerr := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM leases WHERE lease_name = ?`), name); cerr == nil && n > 0 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *sqlStore) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.exec(ctx, `DELETE FROM leases WHERE lease_name = ? AND owner = ?`, name, owner)
	return err
}

// ---- audit / dedup ----

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit (at, tenant_id, actor, action, target, ok, err, meta) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UnixMilli(), e.TenantID, e.Actor, e.Action, e.Target, boolInt(e.OK), nullStr(e.Error), nullStr(e.MetaJSON))
	return err
}

func (s *sqlStore) ListAudit(ctx context.Context, tenantID int64, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT at, tenant_id, actor, action, target, ok, err, meta FROM audit`
	args := []any{}
	if tenantID != 0 {
		q += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditEntry{
			At: fromMs(r.At), TenantID: r.TenantID, Actor: r.Actor, Action: r.Action, Target: r.Target,
			OK: r.OK != 0, Error: r.Err.String, MetaJSON: r.Meta.String,
		})
	}
	return out, nil
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	return s.replace(ctx, "dedup", "dedup_key", key,
		`INSERT INTO dedup (dedup_key, until_ms) VALUES (:dedup_key, :until_ms)`,
		map[string]any{"dedup_key": key, "until_ms": until.UnixMilli()})
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.GetContext(ctx, &ms, s.db.Rebind(`SELECT until_ms FROM dedup WHERE dedup_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
