package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"skytask/internal/model"
	logx "skytask/pkg/logx"
)

// MaxShellOutput caps the captured combined output of a script.
const MaxShellOutput = 10000

// Shell runs a local script. The interpreter follows the file suffix.
type Shell struct {
	log logx.Logger
}

func NewShell(log logx.Logger) *Shell {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Shell{log: log.With(logx.String("executor", "shell"))}
}

func (s *Shell) Kind() model.ExecutorKind { return model.ExecutorShell }

func (s *Shell) Supports(handler string) bool {
	handler = strings.TrimSpace(handler)
	if handler == "" {
		return false
	}
	for _, suf := range []string{".sh", ".bash", ".py", ".pl"} {
		if strings.HasSuffix(handler, suf) {
			return true
		}
	}
	return strings.HasPrefix(handler, "/") || strings.Contains(handler, "/bin/")
}

// Command builds argv for handler; parameters["args"] is appended.
func Command(handler string, params map[string]any) []string {
	var argv []string
	switch {
	case strings.HasSuffix(handler, ".sh"), strings.HasSuffix(handler, ".bash"):
		argv = append(argv, "/bin/bash")
	case strings.HasSuffix(handler, ".py"):
		argv = append(argv, "python")
	case strings.HasSuffix(handler, ".pl"):
		argv = append(argv, "perl")
	}
	argv = append(argv, handler)
	if args, ok := params["args"].([]any); ok {
		for _, a := range args {
			argv = append(argv, fmt.Sprint(a))
		}
	}
	return argv
}

func (s *Shell) Execute(ctx context.Context, handler string, req model.DispatchRequest) (model.ExecutionResult, error) {
	handler = strings.TrimSpace(handler)
	if handler == "" {
		return failed(req, "Shell script path cannot be empty"), nil
	}
	if _, err := os.Stat(handler); err != nil {
		return failed(req, "Shell execution failed: script file not found: "+handler), nil
	}

	argv := Command(handler, req.Parameters)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = 2 * time.Second
	cmd.Env = append(os.Environ(),
		"SKYTASK_INSTANCE_ID="+req.InstanceID,
		"SKYTASK_TENANT="+req.TenantCode,
		"SKYTASK_OPERATOR="+req.Operator,
		"SKYTASK_ATTEMPT="+strconv.Itoa(req.Attempt),
	)
	if len(req.Parameters) > 0 {
		if b, err := json.Marshal(req.Parameters); err == nil {
			cmd.Env = append(cmd.Env, "SKYTASK_PARAMS="+string(b))
		}
	}
	out := &cappedBuffer{limit: MaxShellOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return model.ExecutionResult{}, ctx.Err()
	}
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			s.log.Warn("shell task failed to start", logx.String("handler", handler), logx.Err(err))
			return failed(req, "Shell execution failed: "+err.Error()), nil
		}
		code = exitErr.ExitCode()
	}
	s.log.Debug("shell task executed", logx.String("handler", handler), logx.Int("exit", code), logx.Duration("took", time.Since(start)))

	output := "\n\nOutput:\n" + strings.TrimSpace(out.String())
	if code != 0 {
		return failed(req, "Shell script exited with code "+strconv.Itoa(code)+output), nil
	}
	return succeeded(req, "Shell script executed successfully"+output), nil
}

// cappedBuffer keeps the first limit bytes and marks the rest as truncated.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.limit - len(c.buf); room > 0 {
		if len(p) > room {
			c.buf = append(c.buf, p[:room]...)
			c.truncated = true
		} else {
			c.buf = append(c.buf, p...)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return string(c.buf) + "... (output truncated)"
	}
	return string(c.buf)
}
