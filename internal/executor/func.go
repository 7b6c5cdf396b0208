package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"skytask/internal/model"
)

// HandlerFunc is an in-process task handler.
type HandlerFunc func(ctx context.Context, req model.DispatchRequest) (model.ExecutionResult, error)

// Func dispatches to handlers registered by name.
type Func struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewFunc() *Func { return &Func{handlers: map[string]HandlerFunc{}} }

func (f *Func) Kind() model.ExecutorKind { return model.ExecutorFunc }

// Register binds name to fn, replacing any previous binding.
func (f *Func) Register(name string, fn HandlerFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return fmt.Errorf("func handler: name and fn required")
	}
	f.mu.Lock()
	f.handlers[name] = fn
	f.mu.Unlock()
	return nil
}

func (f *Func) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.handlers))
	for n := range f.handlers {
		out = append(out, n)
	}
	return out
}

func (f *Func) lookup(handler string) (HandlerFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.handlers[strings.TrimSpace(handler)]
	return fn, ok
}

func (f *Func) Supports(handler string) bool {
	_, ok := f.lookup(handler)
	return ok
}

func (f *Func) Execute(ctx context.Context, handler string, req model.DispatchRequest) (model.ExecutionResult, error) {
	fn, ok := f.lookup(handler)
	if !ok {
		return failed(req, fmt.Sprintf("func handler %q not registered", handler)), nil
	}
	res, err := fn(ctx, req)
	if err != nil {
		return model.ExecutionResult{}, err
	}
	if res.InstanceID == "" {
		res.InstanceID = req.InstanceID
	}
	if res.Status == "" {
		res.Status = model.StatusSuccess
	}
	if res.Message == "" {
		res.Message = "Function execution completed"
	}
	res.Attempt = req.Attempt
	return res, nil
}
