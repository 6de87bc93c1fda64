// Package store provides SQLite-backed durable storage for the offline core.
//
// The store holds three kinds of data:
//   - Records: domain entities grouped into named collections
//   - Pending mutations: the FIFO queue of not-yet-confirmed writes
//   - Telemetry mirror: buffered analytics kept across crashes
//
// # Invariants
//
// Each exported method is atomic on its own. No multi-call transactions are
// offered; callers that need retries (the outbox) implement them.
//
// Queue ordering uses the AUTOINCREMENT seq column, never timestamps, so two
// mutations enqueued in the same millisecond still replay in enqueue order.
//
// Migrations only ever add collections and tables. An older database opened
// by newer code keeps every existing row.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: records must belong to a registered collection
//
// Every failure is returned as a *StorageError.
package store
