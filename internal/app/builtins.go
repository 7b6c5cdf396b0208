package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"skytask/internal/executor"
	"skytask/internal/model"
	logx "skytask/pkg/logx"
)

// registerBuiltins installs the FUNC handlers every node ships with.
//
//	noop   succeeds immediately
//	echo   logs the request parameters and succeeds with them as the message
//	sleep  waits parameters.duration (Go duration) or until the deadline
func registerBuiltins(f *executor.Func, log logx.Logger) error {
	log = log.With(logx.String("comp", "func"))
	handlers := map[string]executor.HandlerFunc{
		"noop": func(_ context.Context, req model.DispatchRequest) (model.ExecutionResult, error) {
			return model.ExecutionResult{InstanceID: req.InstanceID, Status: model.StatusSuccess, Attempt: req.Attempt}, nil
		},
		"echo": func(_ context.Context, req model.DispatchRequest) (model.ExecutionResult, error) {
			b, err := json.Marshal(req.Parameters)
			if err != nil {
				return model.ExecutionResult{}, err
			}
			log.Info("echo", logx.Tenant(req.TenantCode), logx.String("instance", req.InstanceID), logx.String("params", string(b)))
			return model.ExecutionResult{InstanceID: req.InstanceID, Status: model.StatusSuccess, Message: string(b), Attempt: req.Attempt}, nil
		},
		"sleep": func(ctx context.Context, req model.DispatchRequest) (model.ExecutionResult, error) {
			raw, _ := req.Parameters["duration"].(string)
			d, err := time.ParseDuration(raw)
			if err != nil {
				return model.ExecutionResult{}, fmt.Errorf("sleep: parameters.duration: %w", err)
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return model.ExecutionResult{}, ctx.Err()
			case <-t.C:
			}
			return model.ExecutionResult{InstanceID: req.InstanceID, Status: model.StatusSuccess, Message: "slept " + d.String(), Attempt: req.Attempt}, nil
		},
	}
	for name, fn := range handlers {
		if err := f.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}
