package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeDaemon(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestVolumesTable(t *testing.T) {
	t.Parallel()
	addr := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/volumes", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"id":"vol-1","name":"db","size":10,"status":"in-use","backupable":true}]`))
	})

	var out, errOut bytes.Buffer
	code := run([]string{"-addr", addr, "-token", "s3cret", "volumes"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "vol-1")
	assert.Contains(t, out.String(), "10 GiB")
	assert.Contains(t, out.String(), "true")
}

func TestCleanupSendsPolicies(t *testing.T) {
	t.Parallel()
	var body map[string]any
	addr := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/backup/cleanup", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"success":true,"mode":"per_volume","deleted_count":1,
			"deleted_details":[{"volume_id":"vol-a","backup_id":"b1","age_days":9,"retention_days":7,"backup_type":"full"}],
			"message":"per-volume cleanup finished, deleted 1 backups"}`))
	})

	var out, errOut bytes.Buffer
	code := run([]string{"-addr", addr, "cleanup", "-policy", "vol-a=7", "-policy", "vol-b=14"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Equal(t, map[string]any{"vol-a": float64(7), "vol-b": float64(14)}, body["volume_policies"])
	assert.NotContains(t, body, "retention_days")
	assert.Contains(t, out.String(), "b1")
	assert.Contains(t, out.String(), "deleted 1 backups")
}

func TestBackupReportsFailure(t *testing.T) {
	t.Parallel()
	addr := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/backup/incremental", r.URL.Path)
		_, _ = w.Write([]byte(`{"backup_type":"incremental","results":[{"volume_id":"vol-1","success":false,"error":"quota"}],
			"succeeded":0,"total":1,"success":false,"message":"created 0 of 1 incremental backups"}`))
	})

	var out, errOut bytes.Buffer
	code := run([]string{"-addr", addr, "backup", "incremental", "vol-1"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "failed: quota")
}

func TestAPIErrorMessage(t *testing.T) {
	t.Parallel()
	addr := fakeDaemon(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"schedule not found"}`))
	})

	var out, errOut bytes.Buffer
	code := run([]string{"-addr", addr, "schedule", "toggle", "nope"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "schedule not found (HTTP 404)")
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()
	cases := [][]string{
		{},
		{"frobnicate"},
		{"backup", "differential", "vol-1"},
		{"backup", "full"},
		{"delete"},
		{"cleanup", "-policy", "vol-a"},
		{"import", "only-one"},
	}
	for _, args := range cases {
		var out, errOut bytes.Buffer
		code := run(append([]string{"-addr", "127.0.0.1:1"}, args...), &out, &errOut)
		assert.Equal(t, 2, code, "%v", args)
	}
}

func TestPolicyFlag(t *testing.T) {
	t.Parallel()
	p := policyFlag{}
	require.NoError(t, p.Set("vol-b=14"))
	require.NoError(t, p.Set(" vol-a = 7"))
	assert.Equal(t, "vol-a=7,vol-b=14", p.String())
	assert.Error(t, p.Set("=3"))
	assert.Error(t, p.Set("vol-c=x"))
}
