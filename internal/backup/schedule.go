package backup

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Defaults applied to omitted fields of a create request.
const (
	DefaultBackupType   = BackupFull
	DefaultScheduleType = ScheduleWeekly
	DefaultScheduleTime = "02:00"
)

// CreateRequest is the schedule creation payload.
type CreateRequest struct {
	VolumeIDs    []string     `json:"volume_ids" mapstructure:"volume_ids"`
	BackupType   BackupType   `json:"backup_type" mapstructure:"backup_type"`
	ScheduleType ScheduleType `json:"schedule_type" mapstructure:"schedule_type"`
	ScheduleTime string       `json:"schedule_time" mapstructure:"schedule_time"`
	Weekdays     []int        `json:"weekdays" mapstructure:"weekdays"`
	Name         string       `json:"name" mapstructure:"name"`
}

func (r CreateRequest) withDefaults() CreateRequest {
	if r.BackupType == "" {
		r.BackupType = DefaultBackupType
	}
	if r.ScheduleType == "" {
		r.ScheduleType = DefaultScheduleType
	}
	if strings.TrimSpace(r.ScheduleTime) == "" {
		r.ScheduleTime = DefaultScheduleTime
	}
	return r
}

// Validate checks a request after defaults have been applied.
func (r CreateRequest) Validate() error {
	r = r.withDefaults()
	if len(UniqueIDs(r.VolumeIDs)) == 0 {
		return configErrorf("volume_ids", "at least one volume is required")
	}
	if !r.BackupType.Valid() {
		return configErrorf("backup_type", "must be %q or %q, got %q", BackupFull, BackupIncremental, r.BackupType)
	}
	if !r.ScheduleType.Valid() {
		return configErrorf("schedule_type", "must be %q or %q, got %q", ScheduleDaily, ScheduleWeekly, r.ScheduleType)
	}
	if _, _, err := ParseTimeOfDay(r.ScheduleTime); err != nil {
		return err
	}
	if r.ScheduleType == ScheduleWeekly {
		if len(r.Weekdays) == 0 {
			return configErrorf("weekdays", "at least one weekday is required for weekly schedules")
		}
		for _, d := range r.Weekdays {
			if d < 1 || d > 7 {
				return configErrorf("weekdays", "weekday %d out of range 1..7", d)
			}
		}
	}
	return nil
}

// NewSchedule validates req and builds an enabled schedule with a fresh id.
func NewSchedule(req CreateRequest, now time.Time) (Schedule, error) {
	if err := req.Validate(); err != nil {
		return Schedule{}, err
	}
	req = req.withDefaults()

	s := Schedule{
		ID:           "schedule_" + uuid.NewString(),
		Name:         strings.TrimSpace(req.Name),
		VolumeIDs:    UniqueIDs(req.VolumeIDs),
		BackupType:   req.BackupType,
		ScheduleType: req.ScheduleType,
		ScheduleTime: strings.TrimSpace(req.ScheduleTime),
		Enabled:      true,
		CreatedAt:    now,
	}
	if s.ScheduleType == ScheduleWeekly {
		s.Weekdays = normalizeWeekdays(req.Weekdays)
	}
	return s, nil
}

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, configErrorf("schedule_time", "invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, configErrorf("schedule_time", "invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, configErrorf("schedule_time", "invalid minute in %q", s)
	}
	return h, m, nil
}

// UniqueIDs trims ids, drops blanks and keeps the first occurrence of each.
func UniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// AddVolumes appends ids not already present, preserving order.
func AddVolumes(existing, add []string) (merged []string, added int) {
	merged = UniqueIDs(existing)
	have := make(map[string]struct{}, len(merged))
	for _, id := range merged {
		have[id] = struct{}{}
	}
	for _, id := range UniqueIDs(add) {
		if _, ok := have[id]; ok {
			continue
		}
		have[id] = struct{}{}
		merged = append(merged, id)
		added++
	}
	return merged, added
}

// RemoveVolumes drops every id in remove from existing.
func RemoveVolumes(existing, remove []string) (kept []string, removed int) {
	drop := make(map[string]struct{}, len(remove))
	for _, id := range remove {
		drop[strings.TrimSpace(id)] = struct{}{}
	}
	kept = make([]string, 0, len(existing))
	for _, id := range existing {
		if _, ok := drop[id]; ok {
			removed++
			continue
		}
		kept = append(kept, id)
	}
	return kept, removed
}

func normalizeWeekdays(days []int) []int {
	set := map[int]struct{}{}
	for _, d := range days {
		set[d] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// BackupName builds "{volume}-backup-{volume_id}-{yyyy-MM-dd-HH-mm}".
func BackupName(volumeName, volumeID string, at time.Time) string {
	return fmt.Sprintf("%s-backup-%s-%s", volumeName, volumeID, at.Format("2006-01-02-15-04"))
}
