package engine

import (
	"context"
	"strings"
	"time"
)

// QueueFullPolicy decides what Submit does when every worker is busy and the queue is full.
type QueueFullPolicy string

const (
	// PolicyReject returns ErrQueueFull to the caller.
	PolicyReject QueueFullPolicy = "reject"
	// PolicyCallerRuns runs the job synchronously in the submitting goroutine.
	PolicyCallerRuns QueueFullPolicy = "caller_runs"
)

// ParsePolicy maps a config string to a policy. Unknown values are reject.
func ParsePolicy(s string) QueueFullPolicy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "caller_runs", "caller-runs", "callerruns":
		return PolicyCallerRuns
	default:
		return PolicyReject
	}
}

// Config controls the dispatch pool.
type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	QueueFull   QueueFullPolicy
	HistorySize int
}

// Job is one dispatch. Timeout is a hard deadline applied to Run's context.
// Done, if set, receives Run's error (a recovered panic included) after Run returns.
type Job struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Done    func(err error)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Inline     bool          `json:"inline,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is published on the event bus when a job finishes.
type JobEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled    bool            `json:"enabled"`
	Workers    int             `json:"workers"`
	QueueLen   int             `json:"queue_len"`
	QueueCap   int             `json:"queue_cap"`
	InFlight   int             `json:"in_flight"`
	Policy     QueueFullPolicy `json:"policy"`
	Rejected   uint64          `json:"rejected"`
	CallerRuns uint64          `json:"caller_runs"`
	Panics     uint64          `json:"panics"`
	History    []HistoryItem   `json:"history"`
}
