package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"skytask/internal/errs"
	"skytask/internal/eventbus"
	"skytask/internal/storage"
	logx "skytask/pkg/logx"
)

// ErrNotStarted is returned by TriggerNow before Start.
var ErrNotStarted = errors.New("scheduler not started")

type Option func(*Service)

// WithClock injects the clock used for trigger bookkeeping and misfire checks.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, store storage.JobStore, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    store,
		now:      time.Now,
		parser:   cronParser,
		armed:    map[string]*armed{},
		lastWarn: map[int64]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnFire registers the handler that receives every firing.
func (s *Service) OnFire(h FireHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Apply swaps the config. A timezone change re-arms every schedule trigger.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || oldTZ == newTZ {
		return
	}
	s.restartLocked()
}

// Start restores every persisted trigger and starts firing.
// One-shots whose time has passed fire immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; triggers stay persisted")
		return nil
	}
	recs, err := s.store.ListTriggers(ctx)
	if err != nil {
		return errs.Store("list triggers", err)
	}

	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.c = s.newCronLocked()
	restored, failed := 0, 0
	for _, rec := range recs {
		if err := s.armLocked(rec, false); err != nil {
			failed++
			s.log.Error("trigger restore failed", logx.String("key", rec.Key), logx.Int64("task", rec.TaskID), logx.Err(err))
			continue
		}
		restored++
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.locationLocked().String()), logx.Int("triggers", restored), logx.Int("failed", failed))
	return nil
}

// Stop stops firing and waits for in-flight handlers until ctx expires.
// Persisted triggers are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, a := range s.armed {
		if a.timer != nil {
			a.timer.Stop()
		}
	}
	s.armed = map[string]*armed{}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	done := make(chan struct{})
	go func() {
		s.fires.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for fire handlers")
	}
	if cancel != nil {
		cancel()
	}
	if c != nil {
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}
}

func (s *Service) newCronLocked() *cron.Cron {
	cl := logx.CronLogger(s.log)
	// The chain wraps each entry separately, so SkipIfStillRunning keeps
	// at most one firing per trigger in flight.
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.locationLocked()),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

// restartLocked replaces the cron instance and re-arms CRON and RATE triggers.
func (s *Service) restartLocked() {
	old := s.c
	old.Stop()
	s.c = s.newCronLocked()
	for key, a := range s.armed {
		if a.timer != nil {
			continue
		}
		delete(s.armed, key)
		if err := s.armLocked(a.rec, false); err != nil {
			s.log.Error("trigger re-arm failed", logx.String("key", key), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.locationLocked().String()), logx.Int("triggers", len(s.armed)))
}

func (s *Service) locationLocked() *time.Location {
	loc, err := LoadLocation(s.cfg.Timezone, time.Local)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		return time.Local
	}
	return loc
}
