package notifier

import (
	"context"
	"math/rand/v2"
	"time"

	"skytask/internal/eventbus"
	"skytask/internal/observability"
	logx "skytask/pkg/logx"
)

func (s *Service) work(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends j with up to RetryMax retries. The final failure is kept in
// history and published as NotificationFailed.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, snd := s.cfg, s.limiter, s.senders[j.ch]
	s.mu.Unlock()
	if snd == nil {
		return
	}

	attempts := cfg.RetryMax + 1
	var err error
	for attempt := 1; ; attempt++ {
		if lim != nil && lim.Wait(ctx) != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = snd.Send(sctx, j.n)
		cancel()
		if err == nil {
			s.outcome(j, "sent", nil)
			return
		}
		s.log.Debug("notify send failed", logx.String("channel", string(j.ch)), logx.Err(err),
			logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt >= attempts {
			break
		}
		t := time.NewTimer(backoff(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.outcome(j, "failed", err)
	s.log.Info("notification dropped after retries", logx.String("channel", string(j.ch)),
		logx.String("subject", j.n.Subject), logx.Err(err))
}

func (s *Service) outcome(j job, result string, err error) {
	it := HistoryItem{At: time.Now(), Channel: j.ch, Subject: j.n.Subject}
	typ := "notifier.sent"
	if err != nil {
		it.Error = err.Error()
		typ = eventbus.NotificationFailed
	}
	s.record(it)
	s.metrics.Inc(observability.NotificationsTotal, map[string]string{"channel": string(j.ch), "result": result})
	s.publish(typ, j.n, j.ch, j.dedupKey, err)
}

// backoff is the wait after the given failed attempt: RetryBase doubled per
// attempt, capped at RetryMaxDelay, with 0.7x..1.3x jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
