package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"skytask/internal/eventbus"
	rtsup "skytask/internal/runtime/supervisor"
	logx "skytask/pkg/logx"
)

const rejectWarnInterval = 5 * time.Second

// Service is the bounded dispatch pool. Executor calls run on its workers so
// a slow executor never holds up trigger firing.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	pool *pool

	log logx.Logger
	bus eventbus.Bus

	seq        atomic.Uint64
	running    atomic.Int32
	rejected   atomic.Uint64
	callerRuns atomic.Uint64
	panics     atomic.Uint64
	rejectWarn throttle

	hmu     sync.Mutex
	history []HistoryItem
}

// pool is one Start..Stop run of the workers.
type pool struct {
	queue chan queuedJob
	halt  chan struct{}
	sup   *rtsup.Supervisor
	// done is non-nil once Stop has begun and closed when it completes.
	done chan struct{}
}

type queuedJob struct {
	job Job
	at  time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        withDefaults(cfg),
		log:        log.With(logx.String("comp", "dispatch")),
		bus:        bus,
		rejectWarn: throttle{every: rejectWarnInterval},
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 200
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.QueueFull == "" {
		cfg.QueueFull = PolicyReject
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply replaces the config. The queue-full policy takes effect at once; a
// new worker count or queue size restarts a running pool, and disabling
// stops it.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	live := s.pool != nil && s.pool.done == nil
	s.mu.Unlock()

	resized := prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize
	if live && (resized || !cfg.Enabled) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. Calling it on a running or disabled pool does
// nothing.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.pool != nil {
		s.mu.Unlock()
		return
	}
	p := &pool{
		queue: make(chan queuedJob, cfg.QueueSize),
		halt:  make(chan struct{}),
		sup:   rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.pool = p
	s.mu.Unlock()

	for i := range cfg.Workers {
		p.sup.GoRestart("dispatch.worker."+strconv.Itoa(i), func(c context.Context) error {
			s.worker(c, p)
			select {
			case <-p.halt:
				return context.Canceled
			default:
			}
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("dispatch pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize),
		logx.String("queue_full", string(cfg.QueueFull)))
}

// Stop halts the workers and completes every job still queued with
// ErrStopped. It returns when that is done or ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	if p.done != nil {
		s.mu.Unlock()
		select {
		case <-p.done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.done = done
	close(p.halt)
	s.mu.Unlock()

	p.sup.Cancel()
	go func() {
		defer close(done)
		_ = p.sup.Wait(context.Background())
		drain(p.queue)
		s.mu.Lock()
		if s.pool == p {
			s.pool = nil
		}
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("dispatch pool stopped")
	case <-ctx.Done():
		s.log.Warn("dispatch pool stop timed out", logx.Err(ctx.Err()))
	}
}

func drain(queue chan queuedJob) {
	for {
		select {
		case qj := <-queue:
			if qj.job.Done != nil {
				qj.job.Done(ErrStopped)
			}
		default:
			return
		}
	}
}

// Submit queues j without blocking. When the queue is full, PolicyReject
// returns ErrQueueFull and PolicyCallerRuns runs j on the calling goroutine
// before returning.
func (s *Service) Submit(ctx context.Context, j Job) error {
	if j.Run == nil {
		return errors.New("job Run is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if j.Name = strings.TrimSpace(j.Name); j.Name == "" {
		j.Name = "dispatch"
	}
	now := time.Now()
	if j.ID == "" {
		j.ID = "job-" + strconv.FormatInt(now.UnixNano(), 16) + "-" + strconv.FormatUint(s.seq.Add(1), 16)
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	case p.done != nil:
		return ErrStopping
	}

	qj := queuedJob{job: j, at: now}
	select {
	case p.queue <- qj:
		return nil
	default:
	}

	if cfg.QueueFull == PolicyCallerRuns {
		s.callerRuns.Add(1)
		s.exec(ctx, qj, true)
		return nil
	}
	n := s.rejected.Add(1)
	if s.rejectWarn.allow(now) {
		s.log.Warn("dispatch rejected: queue full", logx.String("job", j.Name),
			logx.Int("queue_cap", cap(p.queue)), logx.Uint64("rejected", n))
	}
	return ErrQueueFull
}

// Running is the number of jobs executing right now.
func (s *Service) Running() int { return int(s.running.Load()) }

// Backlog is the number of jobs waiting in the queue.
func (s *Service) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return 0
	}
	return len(s.pool.queue)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:    cfg.Enabled,
		Workers:    cfg.Workers,
		Policy:     cfg.QueueFull,
		InFlight:   s.Running(),
		Rejected:   s.rejected.Load(),
		CallerRuns: s.callerRuns.Load(),
		Panics:     s.panics.Load(),
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// throttle admits at most one event per interval.
type throttle struct {
	every time.Duration
	last  atomic.Int64
}

func (t *throttle) allow(now time.Time) bool {
	prev := t.last.Load()
	if prev != 0 && now.UnixNano()-prev < int64(t.every) {
		return false
	}
	return t.last.CompareAndSwap(prev, now.UnixNano())
}
