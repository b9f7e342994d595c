package provider

import (
	"backupd/internal/backup"
	logx "backupd/pkg/logx"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-goose/goose/v5/testservices/identityservice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

// fakeCloud is goose's Keystone v3 test service plus a scripted Cinder.
type fakeCloud struct {
	*httptest.Server
	auths atomic.Int32

	mu       sync.Mutex
	keystone *identityservice.V3UserPass
	handlers map[string]http.HandlerFunc
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	fc := &fakeCloud{keystone: identityservice.NewV3UserPass(), handlers: map[string]http.HandlerFunc{}}
	mux := http.NewServeMux()
	fc.Server = httptest.NewServer(mux)
	t.Cleanup(fc.Close)

	fc.keystone.AddUser("admin", "secret", "admin", DefaultDomainName)
	fc.keystone.AddService(identityservice.Service{V3: identityservice.V3Service{
		ID:        "cinderv3",
		Name:      "cinderv3",
		Type:      "volumev3",
		Endpoints: identityservice.NewV3Endpoints("", "http://internal.invalid", fc.URL+"/volume/v3/proj", "RegionOne"),
	}})

	mux.HandleFunc("/v3/auth/tokens", func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		fc.auths.Add(1)
		fc.keystone.ServeHTTP(w, r)
	})
	mux.HandleFunc("/volume/v3/proj/", func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + strings.TrimPrefix(r.URL.Path, "/volume/v3/proj")
		token := r.Header.Get("X-Auth-Token")

		fc.mu.Lock()
		_, err := fc.keystone.FindUser(token)
		h, ok := fc.handlers[key]
		fc.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case token == "" || err != nil:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":401,"message":"The request you have made requires authentication."}}`))
		case ok:
			h(w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"itemNotFound":{"code":404,"message":"not found"}}`))
		}
	})
	return fc
}

func (fc *fakeCloud) handle(key string, h http.HandlerFunc) {
	fc.mu.Lock()
	fc.handlers[key] = h
	fc.mu.Unlock()
}

// revoke invalidates the issued token, as a Keystone token expiry would.
func (fc *fakeCloud) revoke(t *testing.T) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.NoError(t, fc.keystone.ClearToken("admin"))
}

func (fc *fakeCloud) config() Config {
	return Config{
		AuthURL:     fc.URL + "/v3",
		Username:    "admin",
		Password:    "secret",
		ProjectName: "admin",
		RatePerSec:  -1,
	}
}

func (fc *fakeCloud) client(t *testing.T) *Client {
	t.Helper()
	c, err := New(fc.config(), logx.Nop())
	require.NoError(t, err)
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{AuthURL: "http://x"}, logx.Nop())
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{AuthURL: " http://keystone/v3/ "}.withDefaults()
	assert.Equal(t, "http://keystone/v3", cfg.AuthURL)
	assert.Equal(t, DefaultRegion, cfg.Region)
	assert.Equal(t, DefaultServiceType, cfg.ServiceType)
	assert.Equal(t, DefaultDomainName, cfg.UserDomainName)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
}

func TestPingUsesCatalogEndpoint(t *testing.T) {
	fc := newFakeCloud(t)
	c := fc.client(t)

	endpoint, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, fc.URL+"/volume/v3/proj", endpoint)

	_, err = c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fc.auths.Load(), "session should be reused")
}

func TestAuthenticateRejected(t *testing.T) {
	fc := newFakeCloud(t)
	cfg := fc.config()
	cfg.Password = "wrong"
	c, err := New(cfg, logx.Nop())
	require.NoError(t, err)

	_, err = c.Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestUnknownRegion(t *testing.T) {
	fc := newFakeCloud(t)
	cfg := fc.config()
	cfg.Region = "north"
	c, err := New(cfg, logx.Nop())
	require.NoError(t, err)

	_, err = c.Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "north")
}

func TestListBackupsClassifiesType(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle("GET /backups/detail", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"backups":[
			{"id":"b1","name":"n1","volume_id":"v1","status":"available","created_at":"2024-01-01T00:00:00.000000","is_incremental":true,"size":10,"description":"Full backup created at 2024-01-01T00:00:00"},
			{"id":"b2","name":"n2","volume_id":"v1","status":"available","created_at":"2024-01-02T00:00:00.000000","is_incremental":true,"size":1,"description":null}
		]}`))
	})
	c := fc.client(t)

	recs, err := c.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, backup.BackupFull, recs[0].BackupType)
	assert.Equal(t, backup.BackupIncremental, recs[1].BackupType)
	assert.Equal(t, "2024-01-01T00:00:00.000000", recs[0].CreatedAt)
}

func TestListBackupsFollowsNextLinks(t *testing.T) {
	fc := newFakeCloud(t)
	var (
		mu      sync.Mutex
		markers []string
	)
	fc.handle("GET /backups/detail", func(w http.ResponseWriter, r *http.Request) {
		marker := r.URL.Query().Get("marker")
		mu.Lock()
		markers = append(markers, marker)
		mu.Unlock()
		switch marker {
		case "":
			_, _ = w.Write([]byte(`{"backups":[{"id":"b1","volume_id":"v1"},{"id":"b2","volume_id":"v1"}],
				"backups_links":[{"rel":"next","href":"` + fc.URL + `/volume/v3/proj/backups/detail?limit=2&marker=b2"}]}`))
		case "b2":
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`{"backups":[{"id":"b3","volume_id":"v2"},{"id":"b4","volume_id":"v2"}],
				"backups_links":[{"rel":"next","href":"` + fc.URL + `/volume/v3/proj/backups/detail?limit=2&marker=b4"}]}`))
		case "b4":
			_, _ = w.Write([]byte(`{"backups":[{"id":"b5","volume_id":"v3"}]}`))
		default:
			t.Errorf("unexpected marker %q", marker)
		}
	})
	c := fc.client(t)

	recs, err := c.ListBackups(ctx)
	require.NoError(t, err)
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"b1", "b2", "b3", "b4", "b5"}, ids)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "b2", "b4"}, markers)
}

func TestListVolumesFollowsNextLinks(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle("GET /volumes/detail", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("marker") == "" {
			_, _ = w.Write([]byte(`{"volumes":[{"id":"v1","name":"db","size":10,"status":"in-use","bootable":"true","encrypted":true}],
				"volumes_links":[{"rel":"next","href":"` + fc.URL + `/volume/v3/proj/volumes/detail?marker=v1"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"volumes":[{"id":"v2","name":"logs","size":5,"status":"error","bootable":false}]}`))
	})
	c := fc.client(t)

	vols, err := c.ListVolumes(ctx)
	require.NoError(t, err)
	require.Len(t, vols, 2)
	assert.True(t, vols[0].Bootable)
	assert.True(t, vols[0].Encrypted)
	assert.False(t, vols[1].Backupable())
}

func TestNextPage(t *testing.T) {
	q, ok := nextPage([]link{{Rel: "self", Href: "http://x/backups"}, {Rel: "next", Href: "http://x/backups/detail?marker=b9&limit=50"}})
	require.True(t, ok)
	assert.Equal(t, "b9", q.Get("marker"))
	assert.Equal(t, "50", q.Get("limit"))

	_, ok = nextPage([]link{{Rel: "self", Href: "http://x"}})
	assert.False(t, ok)
}

func TestGetVolume(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle("GET /volumes/v1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"volume":{"id":"v1","name":"db","size":20,"status":"in-use","bootable":"true"}}`))
	})
	c := fc.client(t)

	v, err := c.GetVolume(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "db", v.Name)
	assert.Equal(t, 20, v.Size)
	assert.True(t, v.Bootable)
	assert.True(t, v.Backupable())

	_, err = c.GetVolume(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestCreateBackupPayload(t *testing.T) {
	fc := newFakeCloud(t)
	var got createBackupBody
	fc.handle("POST /backups", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"backup":{"id":"b9","name":"db-backup-v1"}}`))
	})
	c := fc.client(t)

	created, err := c.CreateIncrementalBackup(ctx, "v1", "db-backup-v1")
	require.NoError(t, err)
	assert.Equal(t, backup.Created{ID: "b9", Name: "db-backup-v1", Status: "creating"}, created)
	assert.Equal(t, "v1", got.Backup.VolumeID)
	assert.True(t, got.Backup.Incremental)
	assert.True(t, got.Backup.Force)
	assert.True(t, strings.HasPrefix(got.Backup.Description, "Incremental backup created at"))
}

func TestCreateBackupNotRetried(t *testing.T) {
	fc := newFakeCloud(t)
	var calls atomic.Int32
	fc.handle("POST /backups", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	cfg := fc.config()
	cfg.RetryMaxTime = 10 * time.Second
	c, err := New(cfg, logx.Nop())
	require.NoError(t, err)

	_, err = c.CreateFullBackup(ctx, "v1", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeleteBackupIgnoresMissing(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle("DELETE /backups/b1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	c := fc.client(t)

	require.NoError(t, c.DeleteBackup(ctx, "b1"))
	require.NoError(t, c.DeleteBackup(ctx, "gone"))
}

func TestReauthenticatesAfterRevokedToken(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle("GET /backups/b1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"backup":{"id":"b1","status":"available"}}`))
	})
	fc.handle("GET /volumes/v1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"volume":{"id":"v1","name":"db","status":"available"}}`))
	})
	c := fc.client(t)
	_, err := c.Ping(ctx)
	require.NoError(t, err)

	fc.revoke(t)
	rec, err := c.GetBackup(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "available", rec.Status)
	assert.Equal(t, int32(2), fc.auths.Load())

	fc.revoke(t)
	v, err := c.GetVolume(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "db", v.Name)
	assert.Equal(t, int32(3), fc.auths.Load())
}

func TestRetriesServerErrors(t *testing.T) {
	fc := newFakeCloud(t)
	var calls atomic.Int32
	fc.handle("GET /backups/b1/export_record", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"backup-record":{"backup_service":"cinder.backup.drivers.swift","backup_url":"eyJ"}}`))
	})
	cfg := fc.config()
	cfg.RetryMaxTime = 10 * time.Second
	c, err := New(cfg, logx.Nop())
	require.NoError(t, err)

	rec, err := c.ExportBackup(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "eyJ", rec.BackupURL)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRestoreAndImport(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle("POST /backups/b1/restore", func(w http.ResponseWriter, r *http.Request) {
		var body restoreBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "v2", body.Restore.VolumeID)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"restore":{"backup_id":"b1","volume_id":"v2","volume_name":"db"}}`))
	})
	fc.handle("POST /backups/import_record", func(w http.ResponseWriter, r *http.Request) {
		var body importBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "svc", body.Record.BackupService)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"backup":{"id":"b7","name":"imported"}}`))
	})
	c := fc.client(t)

	res, err := c.RestoreBackup(ctx, "b1", "v2", "")
	require.NoError(t, err)
	assert.Equal(t, Restore{BackupID: "b1", VolumeID: "v2", VolumeName: "db"}, res)

	created, err := c.ImportBackup(ctx, ExportRecord{BackupService: "svc", BackupURL: "url"})
	require.NoError(t, err)
	assert.Equal(t, "b7", created.ID)

	_, err = c.ImportBackup(ctx, ExportRecord{})
	assert.Error(t, err)
}
