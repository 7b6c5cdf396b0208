package fleet

import (
	"context"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"skytask/internal/errs"
	"skytask/internal/eventbus"
	"skytask/internal/observability"
	logx "skytask/pkg/logx"
)

// Manager is safe for concurrent use. Heartbeats and the health sweep
// serialise on one mutex; readers get copies.
type Manager struct {
	mu  sync.RWMutex
	cfg Config

	nodes map[string]Node
	// shards maps node id to the shards it owns.
	shards map[string]map[int]struct{}
	// unassigned holds shards no node has owned yet.
	unassigned map[int]struct{}

	log     logx.Logger
	bus     eventbus.Bus
	metrics *observability.Registry
	now     func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option        { return func(m *Manager) { m.now = now } }
func WithMetrics(r *observability.Registry) Option { return func(m *Manager) { m.metrics = r } }
func WithBus(b eventbus.Bus) Option                { return func(m *Manager) { m.bus = b } }

func NewManager(cfg Config, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:        cfg,
		nodes:      map[string]Node{},
		shards:     map[string]map[int]struct{}{},
		unassigned: map[int]struct{}{},
		log:        log.With(logx.String("comp", "fleet")),
		now:        time.Now,
	}
	for i := 0; i < cfg.Shards; i++ {
		m.unassigned[i] = struct{}{}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply swaps timeouts. The shard count is fixed for the process lifetime.
func (m *Manager) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	cfg.Shards = m.cfg.Shards
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) HealthInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.HealthInterval
}

// Heartbeat upserts the node and marks it ONLINE with alert level NORMAL.
func (m *Manager) Heartbeat(hb Heartbeat) (Node, error) {
	id := strings.TrimSpace(hb.NodeID)
	if id == "" {
		return Node{}, errs.InvalidArgument("node id required")
	}
	now := m.now()

	m.mu.Lock()
	n, seen := m.nodes[id]
	if !seen {
		n = Node{ID: id, Name: id, Cluster: "default", Host: "unknown", RegisteredAt: now}
		m.log.Info("node registered", logx.String("node", id))
	}
	wasOnline := n.Status == StatusOnline
	if hb.Name != "" {
		n.Name = hb.Name
	}
	if hb.Cluster != "" {
		n.Cluster = hb.Cluster
	}
	if hb.Host != "" {
		n.Host = hb.Host
	}
	setInt(&n.CPU, hb.CPU)
	setInt(&n.Memory, hb.Memory)
	setInt(&n.RunningTasks, hb.RunningTasks)
	setInt(&n.Backlog, hb.Backlog)
	if hb.DelayMillis != nil {
		n.DelayMillis = *hb.DelayMillis
	}
	n.Status = StatusOnline
	n.AlertLevel = AlertNormal
	n.LastHeartbeat = now
	m.nodes[id] = n
	if !wasOnline {
		m.assignUnassignedLocked()
	}
	out := m.viewLocked(id)
	m.gaugesLocked()
	m.mu.Unlock()
	return out, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// Sweep marks every ONLINE node whose heartbeat is older than the timeout
// OFFLINE (AUTO_OFFLINE) and migrates its shards. It returns the ids taken
// offline. A node is only ever taken offline once per staleness episode.
func (m *Manager) Sweep() []string {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []string
	for id, n := range m.nodes {
		if n.Status == StatusOnline && now.Sub(n.LastHeartbeat) > m.cfg.HeartbeatTimeout {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	for _, id := range stale {
		n := m.nodes[id]
		m.log.Warn("node missed heartbeat; marking offline", logx.String("node", id),
			logx.Duration("age", now.Sub(n.LastHeartbeat).Truncate(time.Second)))
		n.Status = StatusOffline
		n.AlertLevel = AlertAutoOffline
		m.nodes[id] = n
		m.migrateLocked(id)
		m.metrics.Inc(observability.NodesAutoOfflineTotal, nil)
		m.publish(eventbus.NodeOffline, map[string]any{"nodeId": id, "alertLevel": AlertAutoOffline})
	}
	if len(stale) > 0 {
		m.gaugesLocked()
	}
	return stale
}

// Run sweeps on the health interval until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.HealthInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Sweep()
			if d := m.HealthInterval(); d > 0 {
				t.Reset(d)
			}
		}
	}
}

// Offline forces the node OFFLINE, zeroes its live gauges and migrates its shards.
func (m *Manager) Offline(id string) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return Node{}, errs.NotFound("node %s not found", id)
	}
	n.Status = StatusOffline
	n.CPU, n.Memory, n.RunningTasks, n.Backlog, n.DelayMillis = 0, 0, 0, 0, 0
	n.AlertLevel = AlertManualOffline
	m.nodes[id] = n
	m.log.Info("node taken offline", logx.String("node", id))
	m.migrateLocked(id)
	m.publish(eventbus.NodeOffline, map[string]any{"nodeId": id, "alertLevel": AlertManualOffline})
	m.gaugesLocked()
	return m.viewLocked(id), nil
}

// Rebalance moves about a third of the node's shards (at least one) to its
// online peers. The node stays online.
func (m *Manager) Rebalance(id string) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return Node{}, errs.NotFound("node %s not found", id)
	}
	owned := sortedShards(m.shards[id])
	if len(owned) > 0 {
		peers := m.candidatesLocked(id)
		if len(peers) == 0 {
			m.log.Warn("no candidate nodes to rebalance onto", logx.String("node", id))
		} else {
			move := owned[:max(1, len(owned)/3)]
			for i, s := range move {
				m.moveLocked(s, id, peers[i%len(peers)])
			}
			m.metrics.IncCounter(observability.ShardMigrationsTotal, nil, float64(len(move)))
			m.publish(eventbus.ShardsMigrated, map[string]any{"from": id, "to": peers, "shards": move})
			m.log.Info("rebalanced shards", logx.String("node", id), logx.Int("moved", len(move)), logx.Any("to", peers))
		}
	}
	n.AlertLevel = AlertRebalancing
	m.nodes[id] = n
	return m.viewLocked(id), nil
}

// AssignShard moves shard to node id.
func (m *Manager) AssignShard(shard int, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if shard < 0 || shard >= m.cfg.Shards {
		return errs.InvalidArgument("shard %d out of range [0,%d)", shard, m.cfg.Shards)
	}
	if _, ok := m.nodes[id]; !ok {
		return errs.NotFound("node %s not found", id)
	}
	delete(m.unassigned, shard)
	for owner, set := range m.shards {
		if _, ok := set[shard]; ok {
			m.moveLocked(shard, owner, id)
			return nil
		}
	}
	m.addLocked(id, shard)
	return nil
}

// Shards lists the shards owned by node id, ascending.
func (m *Manager) Shards(id string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.nodes[id]; !ok {
		return nil, errs.NotFound("node %s not found", id)
	}
	return sortedShards(m.shards[id]), nil
}

func (m *Manager) Get(id string) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.nodes[id]; !ok {
		return Node{}, errs.NotFound("node %s not found", id)
	}
	return m.viewLocked(id), nil
}

// List returns every node sorted by id.
func (m *Manager) List() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for id := range m.nodes {
		out = append(out, m.viewLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Metrics{TotalNodes: len(m.nodes), Unassigned: len(m.unassigned)}
	var cpu, mem float64
	for _, n := range m.nodes {
		if n.Status == StatusOnline {
			out.OnlineNodes++
		}
		cpu += float64(n.CPU)
		mem += float64(n.Memory)
	}
	out.OfflineNodes = out.TotalNodes - out.OnlineNodes
	if out.TotalNodes > 0 {
		out.AvgCPU = round1(cpu / float64(out.TotalNodes))
		out.AvgMemory = round1(mem / float64(out.TotalNodes))
	}
	return out
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// migrateLocked hands every shard of id to the other online nodes,
// round-robin. With no online peer the shards stay where they are.
func (m *Manager) migrateLocked(id string) {
	owned := sortedShards(m.shards[id])
	if len(owned) == 0 {
		delete(m.shards, id)
		return
	}
	peers := m.candidatesLocked(id)
	if len(peers) == 0 {
		m.log.Warn("no healthy node to migrate shards to", logx.String("node", id), logx.Int("shards", len(owned)))
		return
	}
	for i, s := range owned {
		m.addLocked(peers[i%len(peers)], s)
	}
	delete(m.shards, id)
	m.metrics.IncCounter(observability.ShardMigrationsTotal, nil, float64(len(owned)))
	m.publish(eventbus.ShardsMigrated, map[string]any{"from": id, "to": peers, "shards": owned})
	m.log.Info("migrated shards", logx.String("node", id), logx.Int("moved", len(owned)), logx.Any("to", peers))
}

// assignUnassignedLocked spreads never-owned shards over the online nodes.
func (m *Manager) assignUnassignedLocked() {
	if len(m.unassigned) == 0 {
		return
	}
	online := m.candidatesLocked("")
	if len(online) == 0 {
		return
	}
	for i, s := range sortedShards(m.unassigned) {
		m.addLocked(online[i%len(online)], s)
		delete(m.unassigned, s)
	}
}

// candidatesLocked lists online nodes other than skip, sorted by id.
func (m *Manager) candidatesLocked(skip string) []string {
	var out []string
	for id, n := range m.nodes {
		if id != skip && n.Status == StatusOnline {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) moveLocked(shard int, from, to string) {
	if set := m.shards[from]; set != nil {
		delete(set, shard)
		if len(set) == 0 {
			delete(m.shards, from)
		}
	}
	m.addLocked(to, shard)
}

func (m *Manager) addLocked(id string, shard int) {
	set := m.shards[id]
	if set == nil {
		set = map[int]struct{}{}
		m.shards[id] = set
	}
	set[shard] = struct{}{}
}

func (m *Manager) viewLocked(id string) Node {
	n := m.nodes[id]
	n.ShardCount = len(m.shards[id])
	return n
}

func (m *Manager) gaugesLocked() {
	var online, offline int
	for _, n := range m.nodes {
		if n.Status == StatusOnline {
			online++
		} else {
			offline++
		}
	}
	m.metrics.SetGauge(observability.NodesOnline, nil, float64(online))
	m.metrics.SetGauge(observability.NodesOffline, nil, float64(offline))
}

func (m *Manager) publish(typ string, data any) {
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: data})
	}
}

func sortedShards(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}
