package storage

import (
	"backupd/internal/backup"
	logx "backupd/pkg/logx"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backupd.db")
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second, MaxRuns: 5}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleSchedule(id string, created time.Time) backup.Schedule {
	return backup.Schedule{
		ID:           id,
		Name:         "nightly " + id,
		VolumeIDs:    []string{"v1", "v2"},
		BackupType:   backup.BackupFull,
		ScheduleType: backup.ScheduleWeekly,
		ScheduleTime: "02:00",
		Weekdays:     []int{1, 3},
		Enabled:      true,
		CreatedAt:    created,
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			fn(t, openTestStore(t, driver))
		})
	}
}

func TestStoreScheduleLifecycle(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		require.NoError(t, st.Save(ctx, sampleSchedule("b", base.Add(time.Hour))))
		require.NoError(t, st.Save(ctx, sampleSchedule("a", base)))

		all, err := st.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "a", all[0].ID)
		assert.Equal(t, []string{"v1", "v2"}, all[0].VolumeIDs)
		assert.Equal(t, []int{1, 3}, all[0].Weekdays)
		assert.True(t, base.Equal(all[0].CreatedAt))
		assert.Nil(t, all[0].LastRun)

		toggled, err := st.Toggle(ctx, "a")
		require.NoError(t, err)
		assert.False(t, toggled.Enabled)
		updated, err := st.UpdateVolumeIDs(ctx, "a", func(cur []string) []string {
			assert.Equal(t, []string{"v1", "v2"}, cur)
			return []string{"v9"}
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"v9"}, updated.VolumeIDs)
		ran := base.Add(26 * time.Hour)
		require.NoError(t, st.SetLastRun(ctx, "a", ran))

		got, err := st.Get(ctx, "a")
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		assert.Equal(t, []string{"v9"}, got.VolumeIDs)
		require.NotNil(t, got.LastRun)
		assert.True(t, ran.Equal(*got.LastRun))

		require.NoError(t, st.Delete(ctx, "a"))
		_, err = st.Get(ctx, "a")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestStoreMissingSchedule(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		assert.ErrorIs(t, st.Delete(ctx, "nope"), ErrNotFound)
		_, err := st.Toggle(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.UpdateVolumeIDs(ctx, "nope", func(cur []string) []string { return cur })
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, st.SetLastRun(ctx, "nope", time.Now()), ErrNotFound)
	})
}

func TestStoreConcurrentEdits(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Save(ctx, sampleSchedule("s1", time.Now())))

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_, err := st.UpdateVolumeIDs(ctx, "s1", func(cur []string) []string {
					return append(cur, fmt.Sprintf("x%d", i))
				})
				assert.NoError(t, err)
			}(i)
			go func() {
				defer wg.Done()
				_, err := st.Toggle(ctx, "s1")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, got.VolumeIDs, n+2)
		assert.True(t, got.Enabled)
	})
}

func TestSQLiteLoadAllSkipsUnreadableRows(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, "sqlite")
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.Save(ctx, sampleSchedule("good", base)))
	require.NoError(t, st.Save(ctx, sampleSchedule("bad-vols", base.Add(time.Minute))))
	require.NoError(t, st.Save(ctx, sampleSchedule("bad-days", base.Add(2*time.Minute))))

	db := st.(*sqliteStore).db
	_, err := db.ExecContext(ctx, `UPDATE schedules SET volume_ids = '{not json' WHERE id = 'bad-vols'`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE schedules SET weekdays = '"mon"' WHERE id = 'bad-days'`)
	require.NoError(t, err)

	all, err := st.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "good", all[0].ID)

	_, err = st.Get(ctx, "bad-vols")
	var de *decodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "volume_ids", de.Column)
}

func TestFileStoreSeesExternalEdits(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Save(ctx, sampleSchedule("s1", time.Now())))

	snapPath := filepath.Join(filepath.Dir(path), "state.schedules.json")
	raw, err := os.ReadFile(snapPath)
	require.NoError(t, err)
	edited := strings.Replace(string(raw), `"enabled": true`, `"enabled": false`, 1)
	require.NotEqual(t, string(raw), edited)
	require.NoError(t, os.WriteFile(snapPath, []byte(edited), 0o600))

	all, err := st.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Enabled)

	// A later API write starts from the edited state.
	sc, err := st.Toggle(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sc.Enabled)

	// A broken edit keeps the last good state.
	require.NoError(t, os.WriteFile(snapPath, []byte("{broken"), 0o600))
	got, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
}

func TestStoreRunsNewestFirst(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			require.NoError(t, st.AppendRun(ctx, backup.Run{
				At:         base.Add(time.Duration(i) * time.Minute),
				Kind:       backup.RunSchedule,
				ScheduleID: "s1",
				Succeeded:  i,
				Total:      2,
				Success:    i > 0,
			}))
		}
		runs, err := st.Runs(ctx, 2)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, 2, runs[0].Succeeded)
		assert.Equal(t, 1, runs[1].Succeeded)
		assert.Equal(t, backup.RunSchedule, runs[0].Kind)
		assert.Equal(t, "s1", runs[0].ScheduleID)
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Save(ctx, sampleSchedule("s1", time.Now())))
	require.NoError(t, st.AppendRun(ctx, backup.Run{Kind: backup.RunCleanup, Success: true}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "nightly s1", got.Name)

	runs, err := st.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, backup.RunCleanup, runs[0].Kind)
}

func TestFileStoreCompactsRuns(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, "file")
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.NoError(t, st.AppendRun(ctx, backup.Run{Kind: backup.RunManual, Total: i}))
	}
	runs, err := st.Runs(ctx, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(runs), 7)
	assert.Equal(t, 11, runs[0].Total)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	assert.Error(t, err)
}
