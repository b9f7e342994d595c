package backup

import (
	logx "backupd/pkg/logx"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"
)

// DefaultRetentionDays applies to volumes missing from a per-volume policy.
const DefaultRetentionDays = 30

type Mode string

const (
	ModeUniform   Mode = "uniform"
	ModePerVolume Mode = "per_volume"
)

// Policy selects the retention threshold for each backup. A non-empty
// VolumeDays switches to per-volume mode and RetentionDays is ignored.
type Policy struct {
	RetentionDays int            `json:"retention_days" mapstructure:"retention_days"`
	VolumeDays    map[string]int `json:"volume_policies" mapstructure:"volume_policies"`
}

func (p Policy) Mode() Mode {
	if len(p.VolumeDays) > 0 {
		return ModePerVolume
	}
	return ModeUniform
}

// ThresholdFor returns the retention days applying to a backup of volumeID.
func (p Policy) ThresholdFor(volumeID string) int {
	if p.Mode() == ModeUniform {
		return p.RetentionDays
	}
	if d, ok := p.VolumeDays[volumeID]; ok {
		return d
	}
	return DefaultRetentionDays
}

func (p Policy) Validate() error {
	if p.Mode() == ModeUniform {
		if p.RetentionDays < 1 {
			return configErrorf("retention_days", "must be an integer >= 1, got %d", p.RetentionDays)
		}
		return nil
	}
	for vol, d := range p.VolumeDays {
		if strings.TrimSpace(vol) == "" {
			return configErrorf("volume_policies", "empty volume id")
		}
		if d < 1 {
			return configErrorf("volume_policies", "retention for %s must be >= 1, got %d", vol, d)
		}
	}
	return nil
}

type DeletedBackup struct {
	VolumeID      string     `json:"volume_id"`
	BackupID      string     `json:"backup_id"`
	Name          string     `json:"name"`
	AgeDays       int        `json:"age_days"`
	RetentionDays int        `json:"retention_days"`
	BackupType    BackupType `json:"backup_type"`
}

type FailedDeletion struct {
	VolumeID string `json:"volume_id"`
	BackupID string `json:"backup_id"`
	AgeDays  int    `json:"age_days"`
	Error    string `json:"error"`
}

type SkippedBackup struct {
	BackupID  string `json:"backup_id"`
	CreatedAt string `json:"created_at"`
	Reason    string `json:"reason"`
}

type VolumeStat struct {
	Total   int `json:"total"`
	Deleted int `json:"deleted"`
}

// CleanupReport is the result of one retention pass. Success is false when
// the pass could not start or was cut short.
type CleanupReport struct {
	Success      bool                  `json:"success"`
	Mode         Mode                  `json:"mode"`
	DeletedCount int                   `json:"deleted_count"`
	Deleted      []DeletedBackup       `json:"deleted_details"`
	Failed       []FailedDeletion      `json:"failed,omitempty"`
	Skipped      []SkippedBackup       `json:"skipped,omitempty"`
	VolumeStats  map[string]VolumeStat `json:"volume_stats,omitempty"`
	// Interrupted is set when the context ended before every backup was seen.
	Interrupted  bool                  `json:"interrupted,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// Retention deletes backups older than their policy threshold.
type Retention struct {
	provider Provider
	clock    clock.Clock
	log      logx.Logger
}

func NewRetention(p Provider, clk clock.Clock, log logx.Logger) *Retention {
	if clk == nil {
		clk = clock.WallClock
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Retention{provider: p, clock: clk, log: log}
}

// Run lists all backups from the provider and cleans them up under policy.
// A failed listing is the only case reported as an error.
func (r *Retention) Run(ctx context.Context, policy Policy) (CleanupReport, error) {
	if err := policy.Validate(); err != nil {
		return CleanupReport{Mode: policy.Mode(), Error: err.Error()}, err
	}
	backups, err := r.provider.ListBackups(ctx)
	if err != nil {
		r.log.Error("list backups failed", logx.Err(err))
		err = fmt.Errorf("list backups: %w", err)
		return CleanupReport{Mode: policy.Mode(), Error: err.Error()}, err
	}
	return r.Cleanup(ctx, backups, policy)
}

// Cleanup deletes every backup whose age in whole days is strictly greater
// than the threshold for its volume.
func (r *Retention) Cleanup(ctx context.Context, backups []Record, policy Policy) (CleanupReport, error) {
	mode := policy.Mode()
	if err := policy.Validate(); err != nil {
		return CleanupReport{Mode: mode, Error: err.Error()}, err
	}

	now := r.clock.Now()
	rep := CleanupReport{
		Success: true,
		Mode:    mode,
		Deleted: []DeletedBackup{},
	}
	if mode == ModePerVolume {
		rep.VolumeStats = map[string]VolumeStat{}
	}

	var (
		interrupted error
		remaining   int
	)
	for i, b := range backups {
		if err := ctx.Err(); err != nil {
			interrupted, remaining = err, len(backups)-i
			break
		}

		if rep.VolumeStats != nil {
			st := rep.VolumeStats[b.VolumeID]
			st.Total++
			rep.VolumeStats[b.VolumeID] = st
		}

		created, err := ParseCreatedAt(b.CreatedAt)
		if err != nil {
			r.log.Warn("skip backup with unparseable created_at",
				logx.String("backup", b.ID), logx.String("created_at", b.CreatedAt), logx.Err(err))
			rep.Skipped = append(rep.Skipped, SkippedBackup{BackupID: b.ID, CreatedAt: b.CreatedAt, Reason: err.Error()})
			continue
		}

		age := AgeDays(now, created)
		threshold := policy.ThresholdFor(b.VolumeID)
		if age <= threshold {
			continue
		}

		if err := r.provider.DeleteBackup(ctx, b.ID); err != nil {
			r.log.Error("delete backup failed",
				logx.String("backup", b.ID), logx.String("volume", b.VolumeID), logx.Int("age_days", age), logx.Err(err))
			rep.Failed = append(rep.Failed, FailedDeletion{VolumeID: b.VolumeID, BackupID: b.ID, AgeDays: age, Error: err.Error()})
			continue
		}

		rep.DeletedCount++
		rep.Deleted = append(rep.Deleted, DeletedBackup{
			VolumeID:      b.VolumeID,
			BackupID:      b.ID,
			Name:          b.Name,
			AgeDays:       age,
			RetentionDays: threshold,
			BackupType:    ClassifyBackup(b.Description, b.IsIncremental),
		})
		if rep.VolumeStats != nil {
			st := rep.VolumeStats[b.VolumeID]
			st.Deleted++
			rep.VolumeStats[b.VolumeID] = st
		}
		r.log.Info("backup deleted",
			logx.String("backup", b.ID), logx.String("volume", b.VolumeID),
			logx.Int("age_days", age), logx.Int("retention_days", threshold))
	}

	if mode == ModePerVolume {
		sort.SliceStable(rep.Deleted, func(i, j int) bool { return rep.Deleted[i].VolumeID < rep.Deleted[j].VolumeID })
	}

	if interrupted != nil {
		err := fmt.Errorf("cleanup interrupted: %w", interrupted)
		rep.Success = false
		rep.Interrupted = true
		rep.Error = err.Error()
		r.log.Warn("cleanup interrupted",
			logx.Int("deleted", rep.DeletedCount),
			logx.Int("remaining", remaining),
			logx.Err(interrupted),
		)
		return rep, err
	}

	r.log.Info("cleanup finished",
		logx.String("mode", string(mode)),
		logx.Int("deleted", rep.DeletedCount),
		logx.Int("failed", len(rep.Failed)),
		logx.Int("skipped", len(rep.Skipped)),
	)
	return rep, nil
}

// AgeDays is the number of whole days elapsed from created to now.
func AgeDays(now, created time.Time) int {
	return int(now.Sub(created) / (24 * time.Hour))
}

var createdAtLayouts = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseCreatedAt accepts RFC 3339 and the provider's zone-less ISO forms.
// Zone-less values are UTC.
func ParseCreatedAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	for _, layout := range createdAtLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
