package storage

import (
	"backupd/internal/backup"
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("schedule not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): schedules snapshot + runs jsonl next to Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxRuns bounds the retained run history; 0 means DefaultMaxRuns.
	MaxRuns int
}

const DefaultMaxRuns = 1000

// Store is the persistence API used by the scheduler loop and the API.
type Store interface {
	backup.Store

	Get(ctx context.Context, id string) (backup.Schedule, error)
	Save(ctx context.Context, s backup.Schedule) error
	Delete(ctx context.Context, id string) error
	// Toggle flips Enabled and returns the stored result.
	Toggle(ctx context.Context, id string) (backup.Schedule, error)
	// UpdateVolumeIDs replaces the volume list with fn(current) in one step.
	UpdateVolumeIDs(ctx context.Context, id string, fn func([]string) []string) (backup.Schedule, error)
	// Runs returns up to limit history entries, newest first.
	Runs(ctx context.Context, limit int) ([]backup.Run, error)
	Close() error
}
