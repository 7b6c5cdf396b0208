// Package logx is the zerolog wrapper every skytask component logs through.
//
// A Logger obtained from a Service follows Service.Apply, so a config reload
// changes level and sinks for loggers that were handed out earlier. Console
// lines carry a millisecond timestamp and a file:line caller; the file sink
// writes JSON. The alert sink forwards lines at or above a minimum level to an
// AlertSender under a token-bucket limit.
package logx
