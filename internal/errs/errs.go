// Package errs defines the error kinds shared by the scheduler core.
//
// Constructors wrap a sentinel with %w so callers branch with errors.Is
// and the HTTP layer maps KindOf(err) to a status code.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrLockUnavailable  = errors.New("lock unavailable")
	ErrExecutor         = errors.New("executor failure")
	ErrSchedulingStore  = errors.New("scheduling store failure")
	ErrAlreadyExists    = errors.New("already exists")
	ErrTenantRequired   = errors.New("tenant required")
	ErrExecutorNotFound = errors.New("no executor for kind")
)

type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidArgument
	KindConflict
	KindExecutor
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindConflict:
		return "conflict"
	case KindExecutor:
		return "executor"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

func NotFound(format string, args ...any) error { return wrap(ErrNotFound, format, args...) }
func InvalidArgument(format string, args ...any) error {
	return wrap(ErrInvalidArgument, format, args...)
}
func AlreadyExists(format string, args ...any) error { return wrap(ErrAlreadyExists, format, args...) }
func Executor(format string, args ...any) error      { return wrap(ErrExecutor, format, args...) }

// Store wraps a store-level failure of the trigger engine. A nil cause returns nil.
func Store(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrSchedulingStore, op, cause)
}

func wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExecutorNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrTenantRequired):
		return KindInvalidArgument
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrLockUnavailable):
		return KindConflict
	case errors.Is(err, ErrExecutor):
		return KindExecutor
	case errors.Is(err, ErrSchedulingStore):
		return KindUnavailable
	default:
		return KindInternal
	}
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
