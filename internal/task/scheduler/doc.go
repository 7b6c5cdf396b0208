// Package scheduler turns task definitions into fire schedules.
//
// Jobs and triggers are persisted through storage.JobStore and re-armed on
// Start. The scheduler only decides when a task fires; admission and
// execution belong to the execution coordinator, reached through the
// FireHandler registered with OnFire.
package scheduler
