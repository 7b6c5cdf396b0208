package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"skytask/internal/eventbus"
	logx "skytask/pkg/logx"
)

func (s *Service) worker(ctx context.Context, p *pool) {
	for {
		// halt takes priority over queued work
		select {
		case <-ctx.Done():
			return
		case <-p.halt:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-p.halt:
			return
		case qj := <-p.queue:
			s.exec(ctx, qj, false)
		}
	}
}

// exec runs one job, recovering panics into its error. Inline (caller-runs)
// jobs are detached from the caller's cancellation.
func (s *Service) exec(ctx context.Context, qj queuedJob, inline bool) {
	start := time.Now()
	wait := max(0, start.Sub(qj.at))
	s.running.Add(1)
	defer s.running.Add(-1)

	if inline {
		ctx = context.WithoutCancel(ctx)
	}
	err := s.call(ctx, qj.job)
	if qj.job.Done != nil {
		qj.job.Done(err)
	}
	s.finish(qj.job, start, wait, inline, err)
}

func (s *Service) call(ctx context.Context, j Job) (err error) {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("dispatch.panic", logx.String("job", j.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return j.Run(ctx)
}

func (s *Service) finish(j Job, start time.Time, wait time.Duration, inline bool, err error) {
	took := time.Since(start)
	item := HistoryItem{ID: j.ID, Name: j.Name, Started: start, QueueDelay: wait, Duration: took, Inline: inline}
	if err != nil {
		item.Error = err.Error()
		s.log.Debug("dispatch.failed", logx.String("job", j.Name), logx.Err(err), logx.Duration("dur", took))
	} else {
		s.log.Trace("dispatch.completed", logx.String("job", j.Name), logx.Duration("queue_delay", wait), logx.Duration("dur", took))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.DispatchFinished, Data: JobEvent{
			ID: j.ID, Name: j.Name, QueueDelay: wait, Duration: took, Error: item.Error,
		}})
	}

	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if over := len(s.history) - limit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	s.hmu.Unlock()
}
