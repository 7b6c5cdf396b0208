package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	alertQueueSize   = 128
	alertSendTimeout = 10 * time.Second
	alertMaxLen      = 3500
	alertMaxValueLen = 600
)

// AlertConfig forwards lines at or above MinLevel to an AlertSender.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// AlertSender receives rendered alert lines. The notifier implements it.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

// alertSink is a zerolog.LevelWriter that hands lines to a background worker.
// Writes never block: a full queue drops the line.
type alertSink struct {
	mu       sync.Mutex
	sender   AlertSender
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue   chan string
	once    sync.Once
	cancel  context.CancelFunc
	stopped sync.WaitGroup
}

func newAlertSink() *alertSink {
	return &alertSink{queue: make(chan string, alertQueueSize), minLevel: zerolog.WarnLevel}
}

func (a *alertSink) configure(cfg AlertConfig) {
	burst := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(burst), burst)
	a.mu.Unlock()
}

func (a *alertSink) setSender(sender AlertSender) {
	a.mu.Lock()
	a.sender = sender
	a.mu.Unlock()
}

func (a *alertSink) start() {
	a.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.mu.Lock()
		a.cancel = cancel
		a.mu.Unlock()
		a.stopped.Add(1)
		go a.run(ctx)
	})
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.stopped.Wait()
	}
}

func (a *alertSink) run(ctx context.Context) {
	defer a.stopped.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-a.queue:
			a.mu.Lock()
			sender := a.sender
			a.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_ = sender.SendAlert(sctx, line)
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.InfoLevel, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.sender != nil && a.limiter != nil && level >= a.minLevel
	lim := a.limiter
	a.mu.Unlock()
	if !ok || !lim.Allow() {
		return len(p), nil
	}
	if line := formatAlertJSON(p); line != "" {
		select {
		case a.queue <- line:
		default:
		}
	}
	return len(p), nil
}

// formatAlertJSON renders a JSON log line as "[LEVEL] message" followed by
// one "- key=value" row per extra field in key order. Non-JSON input is
// passed through trimmed.
func formatAlertJSON(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(m, zerolog.TimestampFieldName)
	delete(m, zerolog.LevelFieldName)
	delete(m, zerolog.MessageFieldName)
	for _, k := range slices.Sorted(maps.Keys(m)) {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), alertMaxValueLen))
	}
	return truncate(b.String(), alertMaxLen)
}

// truncate cuts s to n bytes, marking the cut with "..." when n leaves room.
func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	default:
		return s[:n-3] + "..."
	}
}
