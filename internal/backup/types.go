package backup

import (
	"strings"
	"time"
)

type BackupType string

const (
	BackupFull        BackupType = "full"
	BackupIncremental BackupType = "incremental"
)

func (t BackupType) Valid() bool { return t == BackupFull || t == BackupIncremental }

type ScheduleType string

const (
	ScheduleDaily  ScheduleType = "daily"
	ScheduleWeekly ScheduleType = "weekly"
)

func (t ScheduleType) Valid() bool { return t == ScheduleDaily || t == ScheduleWeekly }

// Schedule is a recurring backup intent.
//
// ScheduleTime is a local wall-clock "HH:MM"; Weekdays uses ISO numbering
// (1=Monday ... 7=Sunday) and is only meaningful for weekly schedules.
type Schedule struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	VolumeIDs    []string     `json:"volume_ids"`
	BackupType   BackupType   `json:"backup_type"`
	ScheduleType ScheduleType `json:"schedule_type"`
	ScheduleTime string       `json:"schedule_time"`
	Weekdays     []int        `json:"weekdays"`
	Enabled      bool         `json:"enabled"`
	CreatedAt    time.Time    `json:"created_at"`
	LastRun      *time.Time   `json:"last_run"`
}

// Label is the human-facing identifier used in logs.
func (s Schedule) Label() string {
	if n := strings.TrimSpace(s.Name); n != "" {
		return n
	}
	return s.ID
}

// Volume is a block storage volume as reported by the provider.
type Volume struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Size             int    `json:"size"` // GiB
	Status           string `json:"status"`
	CreatedAt        string `json:"created_at"`
	Description      string `json:"description"`
	VolumeType       string `json:"volume_type"`
	AvailabilityZone string `json:"availability_zone"`
	Bootable         bool   `json:"bootable"`
	Encrypted        bool   `json:"encrypted"`
}

// Backupable reports whether the provider accepts a backup of the volume in its current state.
func (v Volume) Backupable() bool { return v.Status == "in-use" || v.Status == "available" }

// Record is a backup as reported by the provider. It is read-only to the core.
//
// CreatedAt is kept as the provider's raw timestamp so a single malformed value
// can be skipped during retention instead of failing a whole listing.
type Record struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	VolumeID         string     `json:"volume_id"`
	Status           string     `json:"status"`
	CreatedAt        string     `json:"created_at"`
	IsIncremental    bool       `json:"is_incremental"`
	BackupType       BackupType `json:"backup_type"`
	Size             int        `json:"size"` // GiB
	Description      string     `json:"description"`
	AvailabilityZone string     `json:"availability_zone"`
	Container        string     `json:"container"`
	FailReason       string     `json:"fail_reason"`
	HasDependents    bool       `json:"has_dependent_backups"`
	SnapshotID       string     `json:"snapshot_id,omitempty"`
	DataTimestamp    string     `json:"data_timestamp,omitempty"`
}

// ClassifyBackup derives the backup type from the provider description,
// falling back to the incremental flag when the description says nothing.
func ClassifyBackup(description string, incremental bool) BackupType {
	d := strings.ToLower(description)
	switch {
	case strings.Contains(d, "full backup"):
		return BackupFull
	case strings.Contains(d, "incremental backup"):
		return BackupIncremental
	case incremental:
		return BackupIncremental
	default:
		return BackupFull
	}
}

// Created is the provider's answer to a backup creation request.
type Created struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type RunKind string

const (
	RunSchedule RunKind = "schedule"
	RunManual   RunKind = "manual"
	RunCleanup  RunKind = "cleanup"
)

// Run is one history entry: a schedule firing, a manual batch, or a cleanup pass.
type Run struct {
	At         time.Time `json:"at"`
	Kind       RunKind   `json:"kind"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Succeeded  int       `json:"succeeded"`
	Total      int       `json:"total"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms"`
}
