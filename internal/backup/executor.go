package backup

import (
	logx "backupd/pkg/logx"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
)

// VolumeResult is the outcome for one volume of a batch.
type VolumeResult struct {
	VolumeID   string `json:"volume_id"`
	VolumeName string `json:"volume_name"`
	BackupName string `json:"backup_name"`
	BackupID   string `json:"backup_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Outcome aggregates a batch. Partial success counts as success.
type Outcome struct {
	ScheduleID string         `json:"schedule_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	BackupType BackupType     `json:"backup_type"`
	Results    []VolumeResult `json:"results"`
	Succeeded  int            `json:"succeeded"`
	Total      int            `json:"total"`
	Success    bool           `json:"success"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Executor runs every volume of a firing schedule through the provider.
// Volumes are processed sequentially in source order; a failure on one volume
// never stops the rest.
type Executor struct {
	provider Provider
	clock    clock.Clock
	loc      *time.Location
	log      logx.Logger
}

func NewExecutor(p Provider, clk clock.Clock, loc *time.Location, log logx.Logger) *Executor {
	if clk == nil {
		clk = clock.WallClock
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{provider: p, clock: clk, loc: loc, log: log}
}

// Execute fires s once. Backup names are derived from the volume name.
func (e *Executor) Execute(ctx context.Context, s Schedule) Outcome {
	out := e.run(ctx, s.VolumeIDs, s.BackupType, func(volumeID string, at time.Time) (string, string) {
		name := e.volumeName(ctx, volumeID)
		return name, BackupName(name, volumeID, at)
	})
	out.ScheduleID = s.ID
	out.Name = s.Name

	log := e.log.With(logx.String("schedule", s.ID), logx.String("name", s.Label()))
	if out.Total == 0 {
		log.Warn("schedule has no volumes", logx.Err(ErrNoVolumes))
	}
	log.Info("schedule executed",
		logx.String("backup_type", string(s.BackupType)),
		logx.Int("succeeded", out.Succeeded),
		logx.Int("total", out.Total),
	)
	return out
}

// Manual backs up volumeIDs with the given name; an empty name lets the
// provider pick one.
func (e *Executor) Manual(ctx context.Context, volumeIDs []string, t BackupType, name string) Outcome {
	out := e.run(ctx, volumeIDs, t, func(string, time.Time) (string, string) { return "", name })
	e.log.Info("manual backup executed",
		logx.String("backup_type", string(t)),
		logx.Int("succeeded", out.Succeeded),
		logx.Int("total", out.Total),
	)
	return out
}

func (e *Executor) run(ctx context.Context, volumeIDs []string, t BackupType, naming func(volumeID string, at time.Time) (volumeName, backupName string)) Outcome {
	out := Outcome{
		BackupType: t,
		Results:    make([]VolumeResult, 0, len(volumeIDs)),
		Total:      len(volumeIDs),
		StartedAt:  e.clock.Now(),
	}
	for _, id := range volumeIDs {
		r := e.backupOne(ctx, id, t, naming)
		if r.Success {
			out.Succeeded++
		}
		out.Results = append(out.Results, r)
	}
	out.Success = out.Succeeded > 0
	out.FinishedAt = e.clock.Now()
	return out
}

func (e *Executor) backupOne(ctx context.Context, volumeID string, t BackupType, naming func(string, time.Time) (string, string)) (r VolumeResult) {
	r.VolumeID = volumeID
	log := e.log.With(logx.String("volume", volumeID))

	// A panicking provider must not take the rest of the batch down.
	defer func() {
		if p := recover(); p != nil {
			r.Success = false
			r.Error = fmt.Sprintf("panic: %v", p)
			log.Error("volume backup panicked", logx.Any("panic", p))
		}
	}()

	at := e.clock.Now()
	if e.loc != nil {
		at = at.In(e.loc)
	}
	r.VolumeName, r.BackupName = naming(volumeID, at)

	var (
		created Created
		err     error
	)
	if t == BackupIncremental {
		created, err = e.provider.CreateIncrementalBackup(ctx, volumeID, r.BackupName)
	} else {
		created, err = e.provider.CreateFullBackup(ctx, volumeID, r.BackupName)
	}
	if err != nil {
		r.Error = err.Error()
		log.Error("volume backup failed", logx.String("volume_name", r.VolumeName), logx.Err(err))
		return r
	}

	r.Success = true
	r.BackupID = created.ID
	r.Status = created.Status
	if created.Name != "" {
		r.BackupName = created.Name
	}
	log.Info("volume backup created", logx.String("volume_name", r.VolumeName), logx.String("backup", created.ID))
	return r
}

// volumeName is best-effort: lookup failures yield "unknown".
func (e *Executor) volumeName(ctx context.Context, volumeID string) string {
	v, err := e.provider.GetVolume(ctx, volumeID)
	if err != nil {
		e.log.Debug("volume lookup failed", logx.String("volume", volumeID), logx.Err(err))
		return "unknown"
	}
	if strings.TrimSpace(v.Name) == "" {
		return "unnamed"
	}
	return v.Name
}
