// Package executor holds the pluggable strategies that perform task work.
//
// Each Executor serves one model.ExecutorKind. The Registry maps kinds to
// implementations and is validated once at startup.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"skytask/internal/errs"
	"skytask/internal/model"
)

// Executor runs a task handler.
//
// Expected failures (bad status, non-zero exit) come back as a FAILED
// result. A returned error means the call itself broke, e.g. the context
// deadline expired.
type Executor interface {
	Kind() model.ExecutorKind
	Supports(handler string) bool
	Execute(ctx context.Context, handler string, req model.DispatchRequest) (model.ExecutionResult, error)
}

type Registry struct {
	mu     sync.RWMutex
	byKind map[model.ExecutorKind]Executor
}

func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{byKind: map[model.ExecutorKind]Executor{}}
	for _, e := range execs {
		r.Register(e)
	}
	return r
}

// Register adds or replaces the executor for e.Kind().
func (r *Registry) Register(e Executor) {
	if e == nil {
		return
	}
	r.mu.Lock()
	r.byKind[e.Kind()] = e
	r.mu.Unlock()
}

// Resolve picks the executor for kind and checks it accepts handler.
func (r *Registry) Resolve(kind model.ExecutorKind, handler string) (Executor, error) {
	kind = model.ExecutorKind(strings.ToUpper(strings.TrimSpace(string(kind))))
	r.mu.RLock()
	e, ok := r.byKind[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: executor type %q", errs.ErrExecutorNotFound, kind)
	}
	if !e.Supports(handler) {
		return nil, errs.InvalidArgument("handler %q is not supported by executor type %q", handler, kind)
	}
	return e, nil
}

// Validate fails when any of kinds has no registered implementation.
func (r *Registry) Validate(kinds ...model.ExecutorKind) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, k := range kinds {
		if _, ok := r.byKind[k]; !ok {
			missing = append(missing, string(k))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing executors: %s", errs.ErrExecutorNotFound, strings.Join(missing, ", "))
	}
	return nil
}

func (r *Registry) Kinds() []model.ExecutorKind {
	r.mu.RLock()
	out := make([]model.ExecutorKind, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func failed(req model.DispatchRequest, msg string) model.ExecutionResult {
	return model.ExecutionResult{InstanceID: req.InstanceID, Status: model.StatusFailed, Message: msg, Attempt: req.Attempt}
}

func succeeded(req model.DispatchRequest, msg string) model.ExecutionResult {
	return model.ExecutionResult{InstanceID: req.InstanceID, Status: model.StatusSuccess, Message: msg, Attempt: req.Attempt}
}
