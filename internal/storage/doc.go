// Package storage persists backup schedules and the run history.
//
// It supports:
//   - "file": JSON snapshot of all schedules plus a JSON Lines run journal
//   - "sqlite": a single SQLite database file (modernc.org/sqlite, no cgo)
//
// Both drivers serialize concurrent access, so the scheduler loop and the HTTP
// API may share one Store.
package storage
