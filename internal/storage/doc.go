// Package storage is the durable TaskStore.
//
// It owns every read and write of persisted task state and supports two
// drivers:
//   - "sqlite": SQLite database file, schema managed by embedded migrations
//   - "file": dependency-free JSON snapshot + append-only journal
//
// Both drivers implement conditional (optimistic) updates so the scheduler and
// concurrent command handlers never need a global lock.
package storage
