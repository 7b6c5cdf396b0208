package logx

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/robfig/cron/v3"
)

// CronLogger adapts a Logger to robfig/cron's logger interface.
// Cron's Info chatter (schedule/wake/run) is demoted to trace.
func CronLogger(l Logger) cron.Logger { return cronLogger{l: l.With(String("comp", "cron"))} }

type cronLogger struct{ l Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Trace(msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(kvFields(keysAndValues), Err(err))...)
}

// WatermillLogger adapts a Logger to watermill's LoggerAdapter.
func WatermillLogger(l Logger) watermill.LoggerAdapter { return wmLogger{l: l} }

type wmLogger struct{ l Logger }

func (w wmLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error(msg, append(logFields(fields), Err(err))...)
}
func (w wmLogger) Info(msg string, fields watermill.LogFields) {
	w.l.Info(msg, logFields(fields)...)
}
func (w wmLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, logFields(fields)...)
}
func (w wmLogger) Trace(msg string, fields watermill.LogFields) {
	w.l.Trace(msg, logFields(fields)...)
}
func (w wmLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return wmLogger{l: w.l.With(logFields(fields)...)}
}

func logFields(fields watermill.LogFields) []Field {
	out := make([]Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, Any(k, v))
	}
	return out
}

func kvFields(kv []interface{}) []Field {
	out := make([]Field, 0, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			out = append(out, Any("extra", kv[i]))
			break
		}
		out = append(out, Any(key, kv[i+1]))
	}
	return out
}
