package fleet

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	logx "skytask/pkg/logx"
)

// Sample is one local resource reading, in percent.
type Sample struct {
	CPU    int
	Memory int
}

// Probe reads local resource usage. Gauges that cannot be read stay 0.
func Probe(ctx context.Context) Sample {
	var s Sample
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.CPU = clampPct(avg.Load1 / float64(runtime.NumCPU()) * 100)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		s.Memory = clampPct(vm.UsedPercent)
	}
	return s
}

func clampPct(v float64) int {
	return int(min(max(v, 0), 100) + 0.5)
}

// SelfConfig makes this process report itself as a node.
type SelfConfig struct {
	Enabled  bool
	ID       string
	Cluster  string
	Host     string
	Interval time.Duration
}

// LoadFunc reports dispatch pool load: jobs running and jobs queued.
type LoadFunc func() (running, backlog int)

// Reporter heartbeats the local node into a Manager.
type Reporter struct {
	cfg   SelfConfig
	m     *Manager
	load  LoadFunc
	probe func(context.Context) Sample
	log   logx.Logger
}

func NewReporter(cfg SelfConfig, m *Manager, load LoadFunc, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ID == "" {
		cfg.ID, _ = os.Hostname()
	}
	if cfg.Host == "" {
		cfg.Host = cfg.ID
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Reporter{cfg: cfg, m: m, load: load, probe: Probe, log: log.With(logx.String("comp", "fleet.self"))}
}

func (r *Reporter) NodeID() string { return r.cfg.ID }

// Beat sends one heartbeat.
func (r *Reporter) Beat(ctx context.Context) error {
	s := r.probe(ctx)
	hb := Heartbeat{NodeID: r.cfg.ID, Cluster: r.cfg.Cluster, Host: r.cfg.Host, CPU: &s.CPU, Memory: &s.Memory}
	if r.load != nil {
		running, backlog := r.load()
		hb.RunningTasks, hb.Backlog = &running, &backlog
	}
	_, err := r.m.Heartbeat(hb)
	return err
}

// Run beats immediately and then on the interval until ctx ends.
func (r *Reporter) Run(ctx context.Context) error {
	if err := r.Beat(ctx); err != nil {
		return err
	}
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := r.Beat(ctx); err != nil {
				r.log.Warn("self heartbeat failed", logx.Err(err))
			}
		}
	}
}
