// Package lock provides tenant+task scoped mutual exclusion with a bounded
// wait and a bounded hold, backed by leases in the shared store.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"skytask/internal/storage"
	logx "skytask/pkg/logx"
)

// Locker acquires named locks. TryLock returns (nil, nil) when the lock
// could not be acquired within wait.
type Locker interface {
	TryLock(ctx context.Context, name string, wait, hold time.Duration) (Handle, error)
}

// Handle is a held lock. Unlock is idempotent.
type Handle interface {
	Name() string
	Unlock(ctx context.Context) error
}

// TaskKey is the lock name guarding admission for one task of one tenant.
func TaskKey(tenantID, taskID int64) string {
	return fmt.Sprintf("skytask:tenant:%d:task:%d:lock", tenantID, taskID)
}

const defaultPoll = 100 * time.Millisecond

// LeaseLocker implements Locker over storage leases. Each acquisition gets a
// fresh token, so an expired-and-retaken lease is never released by the old holder.
type LeaseLocker struct {
	store storage.LeaseStore
	log   logx.Logger
	now   func() time.Time
	poll  time.Duration
}

type Option func(*LeaseLocker)

func WithClock(now func() time.Time) Option { return func(l *LeaseLocker) { l.now = now } }
func WithPoll(d time.Duration) Option       { return func(l *LeaseLocker) { l.poll = d } }

func NewLeaseLocker(store storage.LeaseStore, log logx.Logger, opts ...Option) *LeaseLocker {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &LeaseLocker{store: store, log: log.With(logx.String("comp", "lock")), now: time.Now, poll: defaultPoll}
	for _, o := range opts {
		o(l)
	}
	if l.poll <= 0 {
		l.poll = defaultPoll
	}
	return l
}

func (l *LeaseLocker) TryLock(ctx context.Context, name string, wait, hold time.Duration) (Handle, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	t := time.NewTimer(0)
	defer t.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		ok, err := l.store.AcquireLease(ctx, name, token, hold, l.now())
		if err != nil {
			return nil, fmt.Errorf("acquire lease %s: %w", name, err)
		}
		if ok {
			return &leaseHandle{l: l, name: name, token: token}, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			l.log.Debug("lock busy", logx.String("name", name), logx.Duration("wait", wait))
			return nil, nil
		}
		t.Reset(min(l.poll, remaining))
	}
}

type leaseHandle struct {
	l     *LeaseLocker
	name  string
	token string
	done  bool
}

func (h *leaseHandle) Name() string { return h.name }

func (h *leaseHandle) Unlock(ctx context.Context) error {
	if h.done {
		return nil
	}
	h.done = true
	return h.l.store.ReleaseLease(ctx, h.name, h.token)
}
