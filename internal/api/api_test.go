package api

import (
	"backupd/internal/backup"
	"backupd/internal/provider"
	"backupd/internal/storage"
	logx "backupd/pkg/logx"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu      sync.Mutex
	volumes []backup.Volume
	backups []backup.Record
	deleted []string
	created []string
	pingErr error
}

func (f *fakeProvider) CreateFullBackup(ctx context.Context, volumeID, name string) (backup.Created, error) {
	return f.create(volumeID, name)
}

func (f *fakeProvider) CreateIncrementalBackup(ctx context.Context, volumeID, name string) (backup.Created, error) {
	return f.create(volumeID, name)
}

func (f *fakeProvider) create(volumeID, name string) (backup.Created, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if volumeID == "broken" {
		return backup.Created{}, errors.New("volume is busy")
	}
	f.created = append(f.created, volumeID)
	return backup.Created{ID: "b-" + volumeID, Name: name, Status: "creating"}, nil
}

func (f *fakeProvider) DeleteBackup(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeProvider) ListBackups(ctx context.Context) ([]backup.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backup.Record(nil), f.backups...), nil
}

func (f *fakeProvider) GetVolume(ctx context.Context, id string) (backup.Volume, error) {
	for _, v := range f.volumes {
		if v.ID == id {
			return v, nil
		}
	}
	return backup.Volume{}, &provider.Error{Method: http.MethodGet, Path: "/volumes/" + id, StatusCode: http.StatusNotFound}
}

func (f *fakeProvider) ListVolumes(ctx context.Context) ([]backup.Volume, error) {
	return f.volumes, nil
}

func (f *fakeProvider) GetBackup(ctx context.Context, id string) (backup.Record, error) {
	for _, b := range f.backups {
		if b.ID == id {
			return b, nil
		}
	}
	return backup.Record{}, &provider.Error{Method: http.MethodGet, Path: "/backups/" + id, StatusCode: http.StatusNotFound}
}

func (f *fakeProvider) RestoreBackup(ctx context.Context, backupID, volumeID, name string) (provider.Restore, error) {
	return provider.Restore{BackupID: backupID, VolumeID: "restored-1", VolumeName: name}, nil
}

func (f *fakeProvider) ExportBackup(ctx context.Context, backupID string) (provider.ExportRecord, error) {
	return provider.ExportRecord{BackupService: "cinder.backup.drivers.swift", BackupURL: "opaque-" + backupID}, nil
}

func (f *fakeProvider) ImportBackup(ctx context.Context, rec provider.ExportRecord) (backup.Created, error) {
	return backup.Created{ID: "imported-1", Name: "imported", Status: "creating"}, nil
}

func (f *fakeProvider) Ping(ctx context.Context) (string, error) {
	if f.pingErr != nil {
		return "", f.pingErr
	}
	return "https://cinder.example/v3/p", nil
}

type harness struct {
	srv   *Server
	prov  *fakeProvider
	store storage.Store
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "backupd")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := testclock.NewClock(now)
	prov := &fakeProvider{
		volumes: []backup.Volume{
			{ID: "v1", Name: "db", Size: 20, Status: "in-use"},
			{ID: "v2", Name: "web", Size: 10, Status: "error"},
		},
		backups: []backup.Record{
			{ID: "old", VolumeID: "v1", CreatedAt: now.Add(-40 * 24 * time.Hour).Format(time.RFC3339), BackupType: backup.BackupFull, Status: "available", Size: 20},
			{ID: "new", VolumeID: "v1", CreatedAt: now.Add(-2 * 24 * time.Hour).Format(time.RFC3339), BackupType: backup.BackupIncremental, IsIncremental: true, Status: "available", Size: 1},
		},
	}
	srv := New(cfg, Deps{
		Provider:  prov,
		Store:     st,
		Executor:  backup.NewExecutor(prov, clk, time.UTC, logx.Nop()),
		Retention: backup.NewRetention(prov, clk, logx.Nop()),
		Clock:     clk,
	}, logx.Nop())
	return &harness{srv: srv, prov: prov, store: st}
}

func (h *harness) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestScheduleLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec, out := h.do(t, http.MethodPost, "/api/schedules",
		`{"volume_ids": ["v1"], "schedule_type": "weekly", "weekdays": ["1", 3], "schedule_time": "03:30", "name": "nightly"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sc := out["schedule"].(map[string]any)
	id := sc["id"].(string)
	assert.True(t, strings.HasPrefix(id, "schedule_"))
	assert.Equal(t, "full", sc["backup_type"])
	assert.Equal(t, []any{1.0, 3.0}, sc["weekdays"])

	rec, out = h.do(t, http.MethodPost, "/api/schedules/"+id+"/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["enabled"])

	rec, out = h.do(t, http.MethodPost, "/api/schedules/"+id+"/volumes", `{"volume_ids": ["v1", "v2", "v2"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["added_count"])
	assert.EqualValues(t, 2, out["total_volumes"])

	rec, out = h.do(t, http.MethodDelete, "/api/schedules/"+id+"/volumes", `{"volume_ids": "v1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["removed_count"])

	got, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, got.VolumeIDs)
	assert.False(t, got.Enabled)

	rec, _ = h.do(t, http.MethodDelete, "/api/schedules/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = h.do(t, http.MethodDelete, "/api/schedules/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = h.do(t, http.MethodPost, "/api/schedules/"+id+"/toggle", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConcurrentScheduleEditsAreNotLost(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec, out := h.do(t, http.MethodPost, "/api/schedules",
		`{"volume_ids": ["v0"], "schedule_type": "daily", "schedule_time": "02:00"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := out["schedule"].(map[string]any)["id"].(string)

	const n = 16
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			rec, _ := h.do(t, http.MethodPost, "/api/schedules/"+id+"/volumes", fmt.Sprintf(`{"volume_ids": ["v%d"]}`, i))
			assert.Equal(t, http.StatusOK, rec.Code)
		}(i)
		go func() {
			defer wg.Done()
			rec, _ := h.do(t, http.MethodPost, "/api/schedules/"+id+"/toggle", "")
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()

	got, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, got.VolumeIDs, n+1)
	assert.True(t, got.Enabled, "an even number of toggles leaves the schedule enabled")
}

func TestCreateScheduleRejectsBadRequests(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	cases := map[string]string{
		"no volumes":         `{"schedule_type": "daily"}`,
		"weekly no weekdays": `{"volume_ids": ["v1"]}`,
		"bad time":           `{"volume_ids": ["v1"], "schedule_type": "daily", "schedule_time": "25:00"}`,
		"bad type":           `{"volume_ids": ["v1"], "schedule_type": "monthly"}`,
		"not an object":      `[1, 2]`,
	}
	for name, body := range cases {
		rec, out := h.do(t, http.MethodPost, "/api/schedules", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.NotEmpty(t, out["error"], name)
	}

	list, err := h.store.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManualBackupRecordsHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec, _ := h.do(t, http.MethodPost, "/api/backup/full", `{"volume_ids": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out := h.do(t, http.MethodPost, "/api/backup/incremental", `{"volume_ids": ["v1", "broken"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.EqualValues(t, 1, out["succeeded"])
	assert.EqualValues(t, 2, out["total"])
	assert.Len(t, out["results"], 2)

	runs, err := h.store.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, backup.RunManual, runs[0].Kind)
	assert.Equal(t, 1, runs[0].Succeeded)
}

func TestCleanup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec, _ := h.do(t, http.MethodPost, "/api/backup/cleanup", `{"retention_days": "0"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.prov.deleted)

	rec, out := h.do(t, http.MethodPost, "/api/backup/cleanup", `{"retention_days": "30"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, out["deleted_count"])
	assert.Equal(t, "uniform", out["mode"])
	assert.Equal(t, []string{"old"}, h.prov.deleted)

	rec, out = h.do(t, http.MethodPost, "/api/backup/cleanup", `{"volume_policies": {"v1": 1}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "per_volume", out["mode"])
	assert.EqualValues(t, 2, out["deleted_count"])
	assert.Equal(t, map[string]any{"v1": 1.0}, out["policies_applied"])

	runs, err := h.store.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, backup.RunCleanup, runs[0].Kind)
}

func TestCleanupUsesConfiguredDefaults(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.srv.deps.Policy = func() backup.Policy { return backup.Policy{RetentionDays: 50} }

	rec, out := h.do(t, http.MethodPost, "/api/backup/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, out["deleted_count"])
}

func TestBackupsAndVolumes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec, out := h.do(t, http.MethodGet, "/api/backups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["full_backups"], 1)
	assert.Len(t, out["incremental_backups"], 1)
	assert.Len(t, out["all_backups"], 2)

	rec, _ = h.do(t, http.MethodGet, "/api/volumes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var vols []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vols))
	require.Len(t, vols, 2)
	assert.Equal(t, true, vols[0]["backupable"])
	assert.Equal(t, false, vols[1]["backupable"])
	assert.Equal(t, "20 GiB", vols[0]["size_human"])

	rec, _ = h.do(t, http.MethodGet, "/api/backup/missing/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, out = h.do(t, http.MethodGet, "/api/backup/old/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "opaque-old", out["backup_url"])

	rec, _ = h.do(t, http.MethodPost, "/api/backup/import", `{"backup_service": "x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = h.do(t, http.MethodPost, "/api/backup/old/restore", `{"name": "copy"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "restored-1", out["volume_id"])
}

func TestInfoAndHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec, out := h.do(t, http.MethodGet, "/api/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	vs := out["volume_stats"].(map[string]any)
	assert.EqualValues(t, 1, vs["in_use"])
	assert.EqualValues(t, 1, vs["error"])
	bs := out["backup_stats"].(map[string]any)
	assert.EqualValues(t, 1, bs["incremental"])
	assert.Equal(t, "1 month ago", bs["oldest"])

	rec, out = h.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", out["status"])
	assert.EqualValues(t, 2, out["volume_count"])

	h.prov.pingErr = fmt.Errorf("failed to authenticate: %w", &provider.Error{StatusCode: http.StatusUnauthorized})
	rec, out = h.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", out["status"])
}

func TestHistoryLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec, _ := h.do(t, http.MethodGet, "/api/history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Token: "s3cret"})

	rec, _ := h.do(t, http.MethodGet, "/api/schedules", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/api/schedules?token=nope", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/api/schedules?token=s3cret", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/schedules", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPprofRoutes(t *testing.T) {
	t.Parallel()

	off := newHarness(t, Config{})
	rec, _ := off.do(t, http.MethodGet, "/debug/pprof/cmdline", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	on := newHarness(t, Config{Token: "s3cret", Pprof: true})
	rec, _ = on.do(t, http.MethodGet, "/debug/pprof/cmdline", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = on.do(t, http.MethodGet, "/debug/pprof/cmdline?token=s3cret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Addr: "0.0.0.0:0"})
	err := h.srv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:8080":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.5:8080":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
