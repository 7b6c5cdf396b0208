// Package notifier delivers best-effort operator notifications.
//
// A notification carries a subject, a body and an optional list of channels
// (LOG, EMAIL, TELEGRAM, WEBHOOK). Notify fans it out into one queued job per
// channel; a small worker pool sends them under a shared token-bucket rate
// limit, retrying with jittered exponential backoff. Identical messages on
// the same channel are suppressed for a dedup window, optionally persisted
// through the store so the window survives restarts.
//
// Delivery failures are logged and published on the event bus. They never
// propagate to the caller of Notify.
package notifier
