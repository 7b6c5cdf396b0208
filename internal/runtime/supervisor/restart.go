package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "skytask/pkg/logx"
)

// a run that lasted this long is considered healthy and resets the backoff
const healthyRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minWait     time.Duration
	maxWait     time.Duration
	maxRestarts int
	publish     bool
}

// WithRestartBackoff bounds the exponential wait between restarts.
func WithRestartBackoff(minWait, maxWait time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if minWait > 0 {
			p.minWait = minWait
		}
		if maxWait > 0 {
			p.maxWait = maxWait
		}
	}
}

// WithMaxRestarts stops restarting after n restarts and records the error.
// n <= 0 means no limit.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records the first failure in Err even though the loop
// keeps being restarted. It never cancels the supervisor.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// GoRestart runs fn until it returns nil or the context ends. Errors and
// panics restart it after a jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minWait: 250 * time.Millisecond, maxWait: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.maxWait = max(p.maxWait, p.minWait)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wait := p.minWait
		for n := 0; s.ctx.Err() == nil; n++ {
			s.stats.started(name, n > 0)
			began := time.Now()
			err, stack := protect(s.ctx, fn)
			if stack != "" {
				s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Err(err), logx.String("stack", stack))
			}
			if err == nil || s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.stats.stopped(name, nil, stack != "")
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.stats.stopped(name, err, stack != "")
			if p.publish {
				s.remember(err)
			}
			if p.maxRestarts > 0 && n >= p.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", n), logx.Err(err))
				s.fail(err)
				return
			}

			if time.Since(began) >= healthyRun {
				wait = p.minWait
			}
			delay := wait + time.Duration(rand.Int64N(int64(wait)/5+1))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", delay), logx.Err(err))
			if !sleep(s.ctx, delay) {
				return
			}
			wait = min(wait*2, p.maxWait)
		}
	}()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
