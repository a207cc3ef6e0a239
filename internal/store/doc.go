// Package store persists dashboard records.
//
// The main components are:
//
//   - [Store]: interface for record persistence, access tracking and eviction
//   - [MemoryStore]: in-memory implementation guarded by a single mutex
//   - [SQLStore]: database/sql implementation for SQLite ([OpenSQLite]) and
//     PostgreSQL ([OpenPostgres])
//   - [Definition]: a parsed, canonicalized dashboard document and its hash
//
// Every read through [Store.Get] bumps the record's access time; internal
// collaborators that must not extend a record's life use [Store.Peek].
// Deletion cascades (compile invalidation, channel teardown) are not the
// store's concern and are driven by the caller.
package store
