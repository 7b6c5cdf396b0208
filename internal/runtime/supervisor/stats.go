package supervisor

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// LoopStats describes one named loop at the time of the snapshot.
type LoopStats struct {
	Name     string    `json:"name"`
	Active   int       `json:"active"`
	Started  uint64    `json:"started"`
	Restarts uint64    `json:"restarts"`
	Panics   uint64    `json:"panics"`
	LastErr  string    `json:"last_err,omitempty"`
	LastStop time.Time `json:"last_stop,omitempty"`
}

type ledger struct {
	mu    sync.Mutex
	loops map[string]*LoopStats
}

func (l *ledger) entry(name string) *LoopStats {
	if l.loops == nil {
		l.loops = make(map[string]*LoopStats)
	}
	e, ok := l.loops[name]
	if !ok {
		e = &LoopStats{Name: name}
		l.loops[name] = e
	}
	return e
}

func (l *ledger) started(name string, restart bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(name)
	e.Active++
	e.Started++
	if restart {
		e.Restarts++
	}
}

func (l *ledger) stopped(name string, err error, panicked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(name)
	e.Active--
	e.LastStop = time.Now()
	if panicked {
		e.Panics++
	}
	if err != nil {
		e.LastErr = err.Error()
	}
}

// Snapshot returns every loop seen so far, ordered by name.
func (s *Supervisor) Snapshot() []LoopStats {
	s.stats.mu.Lock()
	out := make([]LoopStats, 0, len(s.stats.loops))
	for _, e := range s.stats.loops {
		out = append(out, *e)
	}
	s.stats.mu.Unlock()
	slices.SortFunc(out, func(a, b LoopStats) int { return strings.Compare(a.Name, b.Name) })
	return out
}
