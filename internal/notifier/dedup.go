package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// DedupStore persists suppress-until marks so dedup survives restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupKey hashes the fields that make two notifications the same message
// on a channel.
func dedupKey(n Notification, c Channel) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s", c, n.Tenant, n.Priority, n.Subject, n.Body)
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupCache maps keys to the time until which repeats are suppressed.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache() *dedupCache { return &dedupCache{until: make(map[string]time.Time)} }

// admit reports whether key may be sent now and, if so, suppresses it for
// cfg.DedupWindow. With PersistDedup the store is consulted on a local miss
// and new marks are written through persist.
func (d *dedupCache) admit(ctx context.Context, key string, cfg Config, st DedupStore, persist chan<- dedupWrite) bool {
	now := time.Now()
	if d.suppressed(key, now) {
		return false
	}
	durable := cfg.PersistDedup && st != nil
	if durable {
		lctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			d.mu.Lock()
			d.until[key] = until
			d.mu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	d.mu.Lock()
	d.until[key] = until
	d.prune(now, cfg.DedupMaxEntries)
	d.mu.Unlock()

	if durable && persist != nil {
		select {
		case persist <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (d *dedupCache) suppressed(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.until[key]
	return ok && now.Before(until)
}

// prune drops expired marks, then the soonest-expiring ones until the cache
// holds at most limit entries. Caller holds mu.
func (d *dedupCache) prune(now time.Time, limit int) {
	for k, u := range d.until {
		if !now.Before(u) {
			delete(d.until, k)
		}
	}
	for limit > 0 && len(d.until) > limit {
		var oldest string
		var at time.Time
		for k, u := range d.until {
			if oldest == "" || u.Before(at) {
				oldest, at = k, u
			}
		}
		delete(d.until, oldest)
	}
}

// flush writes marks to the store until writes is closed or ctx ends.
func (d *dedupCache) flush(ctx context.Context, writes <-chan dedupWrite, st DedupStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-writes:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(wctx, w.key, w.until)
			cancel()
		}
	}
}
