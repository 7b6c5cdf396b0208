// Package storage is skytask's durable store.
//
// It holds task definitions, execution instances, retry records, tenants,
// the trigger engine's job/trigger records, lock leases, the audit log and
// notifier dedup state. Two drivers exist:
//   - "memory": process-local maps, for tests and single-node dev runs
//   - "sqlite" / "postgres" / "mysql": one sqlx implementation with a small dialect table
package storage
