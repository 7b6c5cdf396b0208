// Package fleet tracks execution nodes by heartbeat and owns the shard
// partition across the online ones.
//
// Node and shard state is in memory only and is rebuilt from heartbeats
// after a restart.
package fleet

import "time"

type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

// Alert levels recorded on a node.
const (
	AlertNormal        = "NORMAL"
	AlertAutoOffline   = "AUTO_OFFLINE"
	AlertManualOffline = "MANUAL_OFFLINE"
	AlertRebalancing   = "REBALANCING"
)

// Node is an immutable snapshot. Updates replace the whole value.
type Node struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Cluster       string    `json:"cluster"`
	Host          string    `json:"host"`
	Status        Status    `json:"status"`
	CPU           int       `json:"cpu"`
	Memory        int       `json:"memory"`
	RunningTasks  int       `json:"runningTasks"`
	Backlog       int       `json:"backlog"`
	DelayMillis   int64     `json:"delay"`
	AlertLevel    string    `json:"alertLevel"`
	RegisteredAt  time.Time `json:"registerTime"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	ShardCount    int       `json:"shardCount"`
}

// Heartbeat is one liveness report. Nil gauges keep the previous value.
type Heartbeat struct {
	NodeID       string `json:"-"`
	Name         string `json:"name,omitempty"`
	Cluster      string `json:"cluster,omitempty"`
	Host         string `json:"host,omitempty"`
	CPU          *int   `json:"cpu,omitempty"`
	Memory       *int   `json:"memory,omitempty"`
	RunningTasks *int   `json:"runningTasks,omitempty"`
	Backlog      *int   `json:"backlog,omitempty"`
	DelayMillis  *int64 `json:"delay,omitempty"`
}

// Metrics summarises the fleet.
type Metrics struct {
	TotalNodes   int     `json:"totalNodes"`
	OnlineNodes  int     `json:"onlineNodes"`
	OfflineNodes int     `json:"offlineNodes"`
	AvgCPU       float64 `json:"avgCpu"`
	AvgMemory    float64 `json:"avgMemory"`
	Unassigned   int     `json:"unassignedShards"`
}

type Config struct {
	HeartbeatTimeout time.Duration
	HealthInterval   time.Duration
	// Shards is the size of the partition 0..Shards-1.
	Shards int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.Shards <= 0 {
		c.Shards = 16
	}
	return c
}
