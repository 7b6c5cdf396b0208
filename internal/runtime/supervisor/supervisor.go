// Package supervisor runs a component's named background loops under one
// cancellable context. Panics become errors, the first error is kept, and
// loops started with GoRestart come back with backoff after a failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	logx "skytask/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg      sync.WaitGroup
	emu     sync.Mutex
	err     error
	waiting sync.Once
	done    chan struct{}

	stats ledger
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError makes the first loop error cancel every other loop.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context. It does not wait.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first recorded loop error, or nil.
func (s *Supervisor) Err() error {
	s.emu.Lock()
	defer s.emu.Unlock()
	return s.err
}

// remember keeps err if it is the first one and reports whether it was.
func (s *Supervisor) remember(err error) bool {
	s.emu.Lock()
	defer s.emu.Unlock()
	if s.err != nil {
		return false
	}
	s.err = err
	return true
}

func (s *Supervisor) fail(err error) {
	s.remember(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// protect calls fn and converts a panic into an error carrying the stack.
func protect(ctx context.Context, fn func(context.Context) error) (err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			err, stack = fmt.Errorf("panic: %v", r), string(debug.Stack())
		}
	}()
	return fn(ctx), ""
}

// Go runs fn once. Errors other than context.Canceled are recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.stats.started(name, false)
		err, stack := protect(s.ctx, fn)
		if stack != "" {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Err(err), logx.String("stack", stack))
		}
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.stats.stopped(name, err, stack != "")
		if err != nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Go0 is Go for a loop without an error result.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Stop cancels every loop and waits like Wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all loops have returned, then reports Err. It returns
// ctx.Err() if ctx ends first.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waiting.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
