package notifier

import (
	"context"
	"errors"
	"strconv"
	"sync"

	rtsup "skytask/internal/runtime/supervisor"
)

// pipeline is the state of one Start..Stop run.
type pipeline struct {
	queue     chan job
	persist   chan dedupWrite
	sup       *rtsup.Supervisor
	accepting bool
	inflight  sync.WaitGroup
}

type job struct {
	n        Notification
	ch       Channel
	dedupKey string
}

// Start launches the workers. It is a no-op when disabled or already
// running, and waits for a pending Stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if h := s.halting; h != nil {
		s.mu.Unlock()
		select {
		case <-h:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.run != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	p := &pipeline{
		queue:     make(chan job, s.cfg.QueueSize),
		accepting: true,
		sup:       rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	if s.cfg.PersistDedup && s.store != nil {
		p.persist = make(chan dedupWrite, 1024)
	}
	s.run = p
	workers := s.cfg.Workers
	s.mu.Unlock()

	if p.persist != nil {
		p.sup.GoRestart("notifier.dedup.persist", func(c context.Context) error {
			s.dedup.flush(c, p.persist, s.store)
			return s.loopExit(c, "persist")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := range workers {
		p.sup.GoRestart("notifier.worker."+strconv.Itoa(i), func(c context.Context) error {
			s.work(c, p.queue)
			return s.loopExit(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
}

// loopExit reports why a loop returned: canceled during shutdown,
// otherwise an error that makes the supervisor restart it.
func (s *Service) loopExit(c context.Context, loop string) error {
	s.mu.Lock()
	halting := s.halting != nil
	s.mu.Unlock()
	switch {
	case halting:
		return context.Canceled
	case c.Err() != nil:
		return c.Err()
	}
	return errors.New("notifier " + loop + " loop exited unexpectedly")
}

// Stop closes intake and lets workers drain the queue until ctx ends, then
// cancels them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	p := s.run
	if p == nil {
		s.mu.Unlock()
		return
	}
	if h := s.halting; h != nil {
		s.mu.Unlock()
		select {
		case <-h:
		case <-ctx.Done():
		}
		return
	}
	halted := make(chan struct{})
	s.halting = halted
	p.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(halted)
		p.inflight.Wait()
		if p.persist != nil {
			close(p.persist)
		}
		close(p.queue)
		_ = p.sup.Wait(context.Background())

		s.mu.Lock()
		s.run, s.halting = nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-halted:
	case <-ctx.Done():
		p.sup.Cancel()
	}
}
