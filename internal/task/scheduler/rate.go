package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// rateSchedule fires at anchor+every, anchor+2*every, ... With immediate set
// the first call to Next also fires right away. ScheduleTask arms new rate
// triggers that way with anchor set to the scheduling time; re-arming a
// stored trigger (Start, timezone change) keeps the stored anchor and does
// not fire early.
type rateSchedule struct {
	every  time.Duration
	anchor time.Time

	mu        sync.Mutex
	immediate bool
}

var _ cron.Schedule = (*rateSchedule)(nil)

func newRateSchedule(anchor time.Time, every time.Duration, immediate bool) *rateSchedule {
	return &rateSchedule{anchor: anchor, every: max(every, time.Second), immediate: immediate}
}

func (r *rateSchedule) Next(t time.Time) time.Time {
	r.mu.Lock()
	first := r.immediate
	r.immediate = false
	r.mu.Unlock()
	if first {
		return t
	}
	if r.anchor.IsZero() {
		return t.Add(r.every)
	}
	if t.Before(r.anchor) {
		return r.anchor
	}
	k := t.Sub(r.anchor)/r.every + 1
	return r.anchor.Add(k * r.every)
}
