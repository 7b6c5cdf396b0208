package scheduler

import (
	"sort"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Started:  s.c != nil,
		Timezone: s.locationLocked().String(),
		Triggers: make([]TriggerInfo, 0, len(s.armed)),
	}
	for key, a := range s.armed {
		it := TriggerInfo{
			Key:      key,
			TaskID:   a.rec.TaskID,
			TenantID: a.rec.TenantID,
			Kind:     a.rec.Kind,
			Spec:     a.rec.Spec,
			Interval: a.rec.Interval,
			Attempt:  a.rec.Attempt,
		}
		switch {
		case a.timer != nil:
			it.Next = a.rec.FireAt
		case s.c != nil && a.entryID != 0:
			e := s.c.Entry(a.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		snap.Triggers = append(snap.Triggers, it)
	}
	sort.Slice(snap.Triggers, func(i, j int) bool { return snap.Triggers[i].Key < snap.Triggers[j].Key })
	return snap
}
