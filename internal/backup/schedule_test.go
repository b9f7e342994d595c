package backup

import (
	logx "backupd/pkg/logx"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logxNop() logx.Logger { return logx.Nop() }

func TestNewScheduleDefaults(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s, err := NewSchedule(CreateRequest{VolumeIDs: []string{"v1", " v1 ", "v2"}, Weekdays: []int{5, 1, 5}}, now)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(s.ID, "schedule_"))
	assert.Equal(t, BackupFull, s.BackupType)
	assert.Equal(t, ScheduleWeekly, s.ScheduleType)
	assert.Equal(t, "02:00", s.ScheduleTime)
	assert.Equal(t, []string{"v1", "v2"}, s.VolumeIDs)
	assert.Equal(t, []int{1, 5}, s.Weekdays)
	assert.True(t, s.Enabled)
	assert.Equal(t, now, s.CreatedAt)
	assert.Nil(t, s.LastRun)
}

func TestNewScheduleDailyDropsWeekdays(t *testing.T) {
	t.Parallel()
	s, err := NewSchedule(CreateRequest{VolumeIDs: []string{"v1"}, ScheduleType: ScheduleDaily, ScheduleTime: "23:30", Weekdays: []int{2}}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, s.Weekdays)
}

func TestCreateRequestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{name: "no volumes", req: CreateRequest{Weekdays: []int{1}}, field: "volume_ids"},
		{name: "blank volumes", req: CreateRequest{VolumeIDs: []string{" "}, Weekdays: []int{1}}, field: "volume_ids"},
		{name: "weekly without days", req: CreateRequest{VolumeIDs: []string{"v"}}, field: "weekdays"},
		{name: "weekday out of range", req: CreateRequest{VolumeIDs: []string{"v"}, Weekdays: []int{0}}, field: "weekdays"},
		{name: "bad backup type", req: CreateRequest{VolumeIDs: []string{"v"}, BackupType: "diff", Weekdays: []int{1}}, field: "backup_type"},
		{name: "bad schedule type", req: CreateRequest{VolumeIDs: []string{"v"}, ScheduleType: "hourly"}, field: "schedule_type"},
		{name: "bad time", req: CreateRequest{VolumeIDs: []string{"v"}, ScheduleTime: "2:61", Weekdays: []int{1}}, field: "schedule_time"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.req.Validate()
			require.Error(t, err)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
			assert.True(t, IsConfigError(err))
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	h, m, err := ParseTimeOfDay("23:15")
	require.NoError(t, err)
	assert.Equal(t, 23, h)
	assert.Equal(t, 15, m)

	for _, bad := range []string{"24:00", "12:60", "1200", "", "aa:bb", "1:2:3"} {
		_, _, err := ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
}

func TestAddVolumesDeduplicates(t *testing.T) {
	t.Parallel()
	merged, added := AddVolumes([]string{"v1"}, []string{"v1", "v2"})
	assert.Equal(t, []string{"v1", "v2"}, merged)
	assert.Equal(t, 1, added)

	merged, added = AddVolumes(merged, []string{"v2", "v2"})
	assert.Equal(t, []string{"v1", "v2"}, merged)
	assert.Zero(t, added)
}

func TestRemoveVolumes(t *testing.T) {
	t.Parallel()
	kept, removed := RemoveVolumes([]string{"v1", "v2", "v3"}, []string{"v2", "nope"})
	assert.Equal(t, []string{"v1", "v3"}, kept)
	assert.Equal(t, 1, removed)
}

func TestBackupName(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 3, 9, 4, 7, 0, 0, time.UTC)
	assert.Equal(t, "db-backup-vol-1-2024-03-09-04-07", BackupName("db", "vol-1", ts))
}

func TestClassifyBackup(t *testing.T) {
	t.Parallel()
	assert.Equal(t, BackupFull, ClassifyBackup("Weekly Full Backup", true))
	assert.Equal(t, BackupIncremental, ClassifyBackup("nightly incremental backup", false))
	assert.Equal(t, BackupIncremental, ClassifyBackup("", true))
	assert.Equal(t, BackupFull, ClassifyBackup("", false))
}
