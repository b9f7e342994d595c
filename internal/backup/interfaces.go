package backup

import (
	"context"
	"time"
)

// Provider is the slice of the backup provider the core needs.
//
// Implementations are expected to bound every call with their own timeout.
//
//go:generate go run go.uber.org/mock/mockgen -package mock_backup -destination mock/backup.go backupd/internal/backup Provider,Store
type Provider interface {
	CreateFullBackup(ctx context.Context, volumeID, name string) (Created, error)
	CreateIncrementalBackup(ctx context.Context, volumeID, name string) (Created, error)
	DeleteBackup(ctx context.Context, id string) error
	ListBackups(ctx context.Context) ([]Record, error)
	GetVolume(ctx context.Context, id string) (Volume, error)
}

// Store is the slice of the schedule store the loop needs.
// The store owns serialization of concurrent access.
type Store interface {
	LoadAll(ctx context.Context) ([]Schedule, error)
	SetLastRun(ctx context.Context, id string, at time.Time) error
	AppendRun(ctx context.Context, run Run) error
}
