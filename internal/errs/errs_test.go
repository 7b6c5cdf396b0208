package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindInternal},
		{"not found", NotFound("task %d", 4), KindNotFound},
		{"invalid", InvalidArgument("bad cron %q", "x"), KindInvalidArgument},
		{"duplicate", AlreadyExists("task name %q", "a"), KindConflict},
		{"lock", fmt.Errorf("trigger: %w", ErrLockUnavailable), KindConflict},
		{"executor", Executor("boom"), KindExecutor},
		{"store", Store("save job", errors.New("disk")), KindUnavailable},
		{"plain", errors.New("x"), KindInternal},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, KindOf(c.err))
		})
	}
}

func TestStoreWrapsBoth(t *testing.T) {
	t.Parallel()
	cause := errors.New("disk full")
	err := Store("save trigger", cause)
	assert.ErrorIs(t, err, ErrSchedulingStore)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "save trigger")
	assert.NoError(t, Store("noop", nil))
}
