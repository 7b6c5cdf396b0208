package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskApplyDefaults(t *testing.T) {
	t.Parallel()
	task := Task{Name: "  nightly ", Type: "cron", RetryPolicy: "exp_backoff", MaxRetry: -2}
	task.ApplyDefaults()

	assert.Equal(t, "nightly", task.Name)
	assert.Equal(t, TaskCron, task.Type)
	assert.Equal(t, RetryExpBackoff, task.RetryPolicy)
	assert.Equal(t, DefaultTimezone, task.Timezone)
	assert.Equal(t, ExecutorHTTP, task.ExecutorKind)
	assert.Equal(t, DefaultRetryBackoffMs, task.RetryBackoffMs)
	assert.Equal(t, 0, task.MaxRetry)
	assert.NotNil(t, task.Parameters)
}

func TestEnumValidity(t *testing.T) {
	t.Parallel()
	assert.True(t, TaskFixedRate.Valid())
	assert.False(t, TaskType("WEEKLY").Valid())
	assert.True(t, RetryNone.Valid())
	assert.False(t, RetryPolicy("").Valid())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRetryScheduled.Terminal())
}
