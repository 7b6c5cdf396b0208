package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"skytask/internal/eventbus"
	"skytask/internal/storage"
	logx "skytask/pkg/logx"
)

// Config controls the trigger engine.
type Config struct {
	Enabled bool
	// Timezone is used for CRON tasks without their own timezone (IANA name, "" = Local).
	Timezone string
	// MisfireGrace is how late a restored one-shot may fire before it is reported as a misfire.
	MisfireGrace time.Duration
}

// MinRepeat is the floor for FIXED_RATE intervals and ONE_TIME delays.
const MinRepeat = 60 * time.Second

// Fire is one trigger firing handed to the FireHandler.
type Fire struct {
	TaskID        int64
	TenantID      int64
	TenantCode    string
	TriggerKey    string
	ScheduledTime time.Time
	Attempt       int
	// RetryOf is the instance id whose failure scheduled this firing.
	RetryOf string
	Misfire bool
}

// FireHandler receives every firing. Returned errors are logged (throttled per task).
type FireHandler func(ctx context.Context, f Fire) error

// Retry describes a one-shot retry trigger.
type Retry struct {
	TaskID     int64
	FireAt     time.Time
	Attempt    int
	InstanceID string
}

// JobKey is the durable job key of a task.
func JobKey(taskID int64) string { return fmt.Sprintf("task-job-%d", taskID) }

// TriggerKey is the key of a task's main (schedule) trigger.
func TriggerKey(taskID int64) string { return fmt.Sprintf("task-trigger-%d", taskID) }

// RetryKey is unique per task and fire time.
func RetryKey(taskID int64, fireAt time.Time) string {
	return fmt.Sprintf("retry-%d-%d", taskID, fireAt.UnixMilli())
}

// armed is a trigger that is live in this process.
type armed struct {
	rec     storage.TriggerRecord
	entryID cron.EntryID // CRON and RATE
	timer   *time.Timer  // ONCE
	ver     uint64
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	bus   eventbus.Bus
	store storage.JobStore
	now   func() time.Time

	parser  cron.Parser
	c       *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc
	handler FireHandler
	armed   map[string]*armed
	onceVer uint64
	fires   sync.WaitGroup

	warnMu   sync.Mutex
	lastWarn map[int64]time.Time
}

// TriggerInfo is one armed trigger in a Snapshot.
type TriggerInfo struct {
	Key      string              `json:"key"`
	TaskID   int64               `json:"task_id"`
	TenantID int64               `json:"tenant_id"`
	Kind     storage.TriggerKind `json:"kind"`
	Spec     string              `json:"spec,omitempty"`
	Interval time.Duration       `json:"interval,omitempty"`
	Attempt  int                 `json:"attempt,omitempty"`
	Next     time.Time           `json:"next"`
	Prev     time.Time           `json:"prev,omitempty"`
}

type Snapshot struct {
	Enabled  bool          `json:"enabled"`
	Started  bool          `json:"started"`
	Timezone string        `json:"timezone"`
	Triggers []TriggerInfo `json:"triggers"`
}
