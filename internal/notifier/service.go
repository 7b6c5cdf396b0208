package notifier

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"skytask/internal/eventbus"
	"skytask/internal/observability"
	logx "skytask/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historyLimit = 300

// Service fans notifications out to per-channel senders through a bounded
// queue drained by a worker pool. Delivery is rate limited, retried with
// jittered backoff and deduplicated per channel.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	senders map[Channel]Sender
	run     *pipeline
	halting chan struct{}

	log     logx.Logger
	bus     eventbus.Bus
	store   DedupStore
	metrics *observability.Registry
	dedup   *dedupCache

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Service)

func WithStore(st DedupStore) Option               { return func(s *Service) { s.store = st } }
func WithMetrics(m *observability.Registry) Option { return func(s *Service) { s.metrics = m } }
func WithSender(snd Sender) Option                 { return func(s *Service) { s.Register(snd) } }

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		senders: make(map[Channel]Sender),
		dedup:   newDedupCache(),
	}
	for _, o := range opts {
		o(s)
	}
	s.setConfig(cfg)
	return s
}

// Register sets the sender for its channel, replacing any previous one.
func (s *Service) Register(snd Sender) {
	if snd == nil {
		return
	}
	s.mu.Lock()
	s.senders[snd.Channel()] = snd
	s.mu.Unlock()
}

// Channels returns the channels that have a sender, sorted.
func (s *Service) Channels() []Channel {
	s.mu.Lock()
	out := make([]Channel, 0, len(s.senders))
	for c := range s.senders {
		out = append(out, c)
	}
	s.mu.Unlock()
	slices.Sort(out)
	return out
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply replaces the config. Workers and QueueSize apply on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConfig(cfg)
}

func (s *Service) setConfig(cfg Config) {
	cfg = withDefaults(cfg)
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func withDefaults(cfg Config) Config {
	positive := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	positiveDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	positive(&cfg.Workers, 2)
	positive(&cfg.QueueSize, 256)
	positive(&cfg.RatePerSec, 3)
	positive(&cfg.DedupMaxEntries, 2000)
	positiveDur(&cfg.RetryBase, 500*time.Millisecond)
	positiveDur(&cfg.RetryMaxDelay, 10*time.Second)
	positiveDur(&cfg.SendTimeout, 10*time.Second)
	cfg.RetryMax = max(cfg.RetryMax, 0)
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if len(cfg.Channels) == 0 {
		cfg.Channels = []Channel{ChannelLog}
	}
	return cfg
}

// Notify queues n once per routed channel. Channels without a sender are
// skipped; suppressed duplicates are not an error. ErrQueueFull is returned
// when at least one channel could not be queued.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	p := s.run
	if p == nil || !p.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	cfg := s.cfg
	routes := s.routesLocked(n.Channels, cfg.Channels)
	p.inflight.Add(1)
	s.mu.Unlock()
	defer p.inflight.Done()

	var err error
	for _, c := range routes {
		key := dedupKey(n, c)
		if cfg.DedupWindow > 0 && !s.dedup.admit(ctx, key, cfg, s.store, p.persist) {
			s.publish("notifier.deduped", n, c, key, nil)
			continue
		}
		select {
		case p.queue <- job{n: n, ch: c, dedupKey: key}:
			s.publish("notifier.queued", n, c, key, nil)
		default:
			s.publish("notifier.dropped", n, c, key, ErrQueueFull)
			err = ErrQueueFull
		}
	}
	return err
}

func (s *Service) routesLocked(requested, defaults []Channel) []Channel {
	if len(requested) == 0 {
		requested = defaults
	}
	out := make([]Channel, 0, len(requested))
	for _, c := range requested {
		if _, ok := s.senders[c]; !ok {
			s.log.Debug("notification channel has no sender", logx.String("channel", string(c)))
			continue
		}
		out = append(out, c)
	}
	return out
}

// SendAlert turns a log alert line into a notification on the default
// channels. LOG is left out so alerts never feed back into the logger.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	s.mu.Lock()
	channels := slices.DeleteFunc(slices.Clone(s.cfg.Channels), func(c Channel) bool { return c == ChannelLog })
	s.mu.Unlock()
	if len(channels) == 0 {
		return nil
	}
	subject, body, _ := strings.Cut(text, "\n")
	return s.Notify(ctx, Notification{Subject: "[SkyTask] " + subject, Body: body, Priority: 7, Channels: channels})
}

// Snapshot returns recent delivery outcomes, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return slices.Clone(s.history)
}

func (s *Service) record(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if over := len(s.history) - historyLimit; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, n Notification, c Channel, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Channel: c, Tenant: n.Tenant, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
