// Package tenant carries tenant identity explicitly through the core.
//
// There is no ambient "current tenant": every entry point takes a Tenant value.
package tenant

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"skytask/internal/errs"
	"skytask/internal/storage"
)

// Tenant is the isolation boundary for tasks, locks, counters and schedules.
type Tenant struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

func (t Tenant) IsZero() bool { return t.ID == 0 }

func (t Tenant) String() string { return fmt.Sprintf("%s(%d)", t.Code, t.ID) }

// Require rejects the zero tenant.
func Require(t Tenant) error {
	if t.IsZero() {
		return errs.ErrTenantRequired
	}
	return nil
}

// NormalizeCode lower-cases and trims a tenant code.
func NormalizeCode(code string) string { return strings.ToLower(strings.TrimSpace(code)) }

// Resolver maps codes and ids to tenants, caching both directions.
type Resolver struct {
	store storage.TenantStore

	mu     sync.RWMutex
	byCode map[string]Tenant
	byID   map[int64]Tenant
}

func NewResolver(store storage.TenantStore) *Resolver {
	return &Resolver{
		store:  store,
		byCode: map[string]Tenant{},
		byID:   map[int64]Tenant{},
	}
}

func (r *Resolver) remember(t Tenant) {
	r.mu.Lock()
	r.byCode[t.Code] = t
	r.byID[t.ID] = t
	r.mu.Unlock()
}

// ByCode resolves a tenant code. Unknown codes are errs.ErrNotFound.
func (r *Resolver) ByCode(ctx context.Context, code string) (Tenant, error) {
	code = NormalizeCode(code)
	if code == "" {
		return Tenant{}, errs.ErrTenantRequired
	}
	r.mu.RLock()
	t, ok := r.byCode[code]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	rec, err := r.store.GetTenantByCode(ctx, code)
	if err != nil {
		return Tenant{}, err
	}
	t = Tenant(rec)
	r.remember(t)
	return t, nil
}

// ByID resolves a tenant id.
func (r *Resolver) ByID(ctx context.Context, id int64) (Tenant, error) {
	if id == 0 {
		return Tenant{}, errs.ErrTenantRequired
	}
	r.mu.RLock()
	t, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	rec, err := r.store.GetTenantByID(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	t = Tenant(rec)
	r.remember(t)
	return t, nil
}

// Ensure returns the tenant for code, creating it when missing.
// Used to seed tenants from config at boot.
func (r *Resolver) Ensure(ctx context.Context, code, name string) (Tenant, error) {
	t, err := r.ByCode(ctx, code)
	if err == nil {
		return t, nil
	}
	if !errs.IsNotFound(err) {
		return Tenant{}, err
	}
	rec := storage.TenantRecord{Code: NormalizeCode(code), Name: name}
	if err := r.store.CreateTenant(ctx, &rec); err != nil {
		return Tenant{}, err
	}
	t = Tenant(rec)
	r.remember(t)
	return t, nil
}

// Invalidate drops cached entries; the next lookup hits the store.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.byCode = map[string]Tenant{}
	r.byID = map[int64]Tenant{}
	r.mu.Unlock()
}
