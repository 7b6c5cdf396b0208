package engine

import "errors"

var (
	ErrDisabled  = errors.New("dispatch pool disabled")
	ErrStopped   = errors.New("dispatch pool stopped")
	ErrStopping  = errors.New("dispatch pool stopping")
	ErrQueueFull = errors.New("dispatch pool queue full")
)
