package storage

import (
	"context"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"skytask/internal/errs"
	"skytask/internal/model"
)

// memoryStore keeps everything in maps guarded by one mutex.
// Values are copied in and out so callers never share state with the store.
type memoryStore struct {
	mu sync.Mutex

	nextTaskID     int64
	nextInstanceID int64
	nextRetryID    int64
	nextTenantID   int64

	tasks     map[int64]model.Task
	instances map[string]model.Instance // tenant:instanceID
	retries   []model.RetryRecord
	tenants   map[int64]TenantRecord
	jobs      map[string]JobRecord
	triggers  map[string]TriggerRecord
	leases    map[string]lease
	audit     []AuditEntry
	dedup     map[string]time.Time
}

type lease struct {
	owner   string
	expires time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		tasks:     map[int64]model.Task{},
		instances: map[string]model.Instance{},
		tenants:   map[int64]TenantRecord{},
		jobs:      map[string]JobRecord{},
		triggers:  map[string]TriggerRecord{},
		leases:    map[string]lease{},
		dedup:     map[string]time.Time{},
	}
}

func (s *memoryStore) Close() error { return nil }

func copyTask(t model.Task) model.Task {
	t.Parameters = maps.Clone(t.Parameters)
	return t
}

// ---- tasks ----

func (s *memoryStore) CreateTask(_ context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tasks {
		if existing.TenantID == t.TenantID && existing.Name == t.Name {
			return errs.AlreadyExists("task name %q", t.Name)
		}
	}
	s.nextTaskID++
	t.ID = s.nextTaskID
	s.tasks[t.ID] = copyTask(*t)
	return nil
}

func (s *memoryStore) UpdateTask(_ context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok || cur.TenantID != t.TenantID {
		return errs.NotFound("task %d", t.ID)
	}
	s.tasks[t.ID] = copyTask(*t)
	return nil
}

func (s *memoryStore) DeleteTask(_ context.Context, tenantID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok || cur.TenantID != tenantID {
		return errs.NotFound("task %d", id)
	}
	delete(s.tasks, id)
	return nil
}

func (s *memoryStore) GetTask(_ context.Context, tenantID, id int64) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.TenantID != tenantID {
		return model.Task{}, errs.NotFound("task %d", id)
	}
	return copyTask(t), nil
}

func (s *memoryStore) FindTaskByName(_ context.Context, tenantID int64, name string) (model.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.TenantID == tenantID && t.Name == name {
			return copyTask(t), true, nil
		}
	}
	return model.Task{}, false, nil
}

func (s *memoryStore) ListTasks(_ context.Context, tenantID int64) ([]model.Task, error) {
	return s.listTasks(func(t model.Task) bool { return t.TenantID == tenantID }), nil
}

func (s *memoryStore) ListAllTasks(_ context.Context) ([]model.Task, error) {
	return s.listTasks(func(model.Task) bool { return true }), nil
}

func (s *memoryStore) listTasks(keep func(model.Task) bool) []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- instances ----

func instKey(tenantID int64, instanceID string) string {
	return strconv.FormatInt(tenantID, 10) + ":" + instanceID
}

func (s *memoryStore) CreateInstance(_ context.Context, in *model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextInstanceID++
	in.ID = s.nextInstanceID
	s.instances[instKey(in.TenantID, in.InstanceID)] = *in
	return nil
}

func (s *memoryStore) UpdateInstance(_ context.Context, in *model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := instKey(in.TenantID, in.InstanceID)
	cur, ok := s.instances[k]
	if !ok {
		return errs.NotFound("instance %s", in.InstanceID)
	}
	in.ID = cur.ID
	s.instances[k] = *in
	return nil
}

func (s *memoryStore) CompleteInstance(_ context.Context, in *model.Instance, from model.InstanceStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := instKey(in.TenantID, in.InstanceID)
	cur, ok := s.instances[k]
	if !ok {
		return false, errs.NotFound("instance %s", in.InstanceID)
	}
	if cur.Status != from {
		return false, nil
	}
	in.ID = cur.ID
	s.instances[k] = *in
	return true, nil
}

func (s *memoryStore) GetInstance(_ context.Context, tenantID int64, instanceID string) (model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[instKey(tenantID, instanceID)]
	if !ok {
		return model.Instance{}, errs.NotFound("instance %s", instanceID)
	}
	return in, nil
}

func (s *memoryStore) ListInstances(_ context.Context, tenantID, taskID int64, limit int) ([]model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Instance, 0)
	for _, in := range s.instances {
		if in.TenantID == tenantID && in.TaskID == taskID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- retries ----

func (s *memoryStore) CreateRetry(_ context.Context, r *model.RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRetryID++
	r.ID = s.nextRetryID
	s.retries = append(s.retries, *r)
	return nil
}

func (s *memoryStore) MarkRetryFired(_ context.Context, tenantID int64, instanceID string, retryNo int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.retries {
		r := &s.retries[i]
		if r.TenantID == tenantID && r.InstanceID == instanceID && r.RetryNo == retryNo {
			r.Status = model.RetryFired
			return nil
		}
	}
	return errs.NotFound("retry %s#%d", instanceID, retryNo)
}

func (s *memoryStore) ListRetries(_ context.Context, tenantID int64, instanceID string) ([]model.RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RetryRecord
	for _, r := range s.retries {
		if r.TenantID == tenantID && (instanceID == "" || r.InstanceID == instanceID) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ---- tenants ----

func (s *memoryStore) CreateTenant(_ context.Context, t *TenantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Code = strings.ToLower(strings.TrimSpace(t.Code))
	for _, existing := range s.tenants {
		if existing.Code == t.Code {
			return errs.AlreadyExists("tenant %q", t.Code)
		}
	}
	if t.ID == 0 {
		s.nextTenantID++
		t.ID = s.nextTenantID
	} else if t.ID > s.nextTenantID {
		s.nextTenantID = t.ID
	}
	s.tenants[t.ID] = *t
	return nil
}

func (s *memoryStore) GetTenantByCode(_ context.Context, code string) (TenantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code = strings.ToLower(strings.TrimSpace(code))
	for _, t := range s.tenants {
		if t.Code == code {
			return t, nil
		}
	}
	return TenantRecord{}, errs.NotFound("tenant %q", code)
}

func (s *memoryStore) GetTenantByID(_ context.Context, id int64) (TenantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return TenantRecord{}, errs.NotFound("tenant %d", id)
	}
	return t, nil
}

func (s *memoryStore) ListTenants(_ context.Context) ([]TenantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TenantRecord, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- jobs / triggers ----

func (s *memoryStore) SaveJob(_ context.Context, j JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.Key] = j
	return nil
}

func (s *memoryStore) GetJob(_ context.Context, key string) (JobRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	return j, ok, nil
}

func (s *memoryStore) DeleteJob(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, key)
	s.deleteTriggersLocked(key)
	return nil
}

func (s *memoryStore) SaveTrigger(_ context.Context, t TriggerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[t.Key] = t
	return nil
}

func (s *memoryStore) DeleteTrigger(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, key)
	return nil
}

func (s *memoryStore) DeleteTriggersForJob(_ context.Context, jobKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteTriggersLocked(jobKey)
	return nil
}

func (s *memoryStore) deleteTriggersLocked(jobKey string) {
	for k, t := range s.triggers {
		if t.JobKey == jobKey {
			delete(s.triggers, k)
		}
	}
}

func (s *memoryStore) ListTriggers(_ context.Context) ([]TriggerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TriggerRecord, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ---- leases ----

func (s *memoryStore) AcquireLease(_ context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[name]
	if ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	s.leases[name] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *memoryStore) ReleaseLease(_ context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[name]; ok && cur.owner == owner {
		delete(s.leases, name)
	}
	return nil
}

// ---- audit / dedup ----

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) ListAudit(_ context.Context, tenantID int64, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, 0)
	for i := len(s.audit) - 1; i >= 0; i-- {
		if tenantID != 0 && s.audit[i].TenantID != tenantID {
			continue
		}
		out = append(out, s.audit[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.dedup[key] = until
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}
