package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultLogFile = "./skytask.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks behind every Logger it hands out.
type Service struct {
	mu    sync.Mutex
	file  *os.File
	alert *alertSink

	active atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with a root Logger bound to it.
func New(cfg Config) (*Service, Logger) {
	s := &Service{alert: newAlertSink()}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() zerolog.Logger {
	if zl := s.active.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// SetAlertSender sets where alert lines go. Lines are dropped until one is set.
func (s *Service) SetAlertSender(sender AlertSender) { s.alert.setSender(sender) }

// Apply rebuilds the sinks from cfg and swaps them in. Loggers already handed
// out pick up the change on their next line.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alert.configure(cfg.Alert)

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(os.Stdout))
	}
	if f := s.reopen(cfg.File); f != nil {
		sinks = append(sinks, zerolog.SyncWriter(f))
	}
	if cfg.Alert.Enabled {
		s.alert.start()
		sinks = append(sinks, s.alert)
	}
	if len(sinks) == 0 {
		sinks = []io.Writer{consoleSink(os.Stdout)}
	}

	zl := build(zerolog.MultiLevelWriter(sinks...), cfg.Level)
	s.active.Store(&zl)
}

// reopen closes the previous log file and opens the configured one.
// Open failures go to stderr and leave the file sink off.
func (s *Service) reopen(fc FileConfig) *os.File {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if !fc.Enabled {
		return nil
	}
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		return nil
	}
	s.file = f
	return f
}

// Close stops the alert worker and closes the log file.
func (s *Service) Close() error {
	s.alert.stop()

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
