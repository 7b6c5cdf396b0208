package scheduler

import (
	"errors"
	"time"

	"skytask/internal/errs"
	logx "skytask/pkg/logx"
)

const fireWarnThrottle = 5 * time.Second

// reportFireError logs handler failures, at most once per task per throttle window.
func (s *Service) reportFireError(f Fire, err error) {
	if errors.Is(err, errs.ErrNotFound) {
		s.log.Debug("trigger fired for missing task", logx.Int64("task", f.TaskID), logx.Err(err))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[f.TaskID]
	if !last.IsZero() && now.Sub(last) < fireWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[f.TaskID] = now
	s.warnMu.Unlock()

	s.log.Warn("trigger handler failed", logx.Tenant(f.TenantCode), logx.Int64("task", f.TaskID),
		logx.String("key", f.TriggerKey), logx.Int("attempt", f.Attempt), logx.Err(err))
}
