package api

import (
	"backupd/internal/backup"
	"backupd/internal/runtime/supervisor"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

type healthView struct {
	Status      string               `json:"status"`
	Connected   bool                 `json:"provider_connected"`
	Endpoint    string               `json:"endpoint,omitempty"`
	VolumeCount int                  `json:"volume_count"`
	Error       string               `json:"error,omitempty"`
	Loop        *backup.LoopStatus   `json:"scheduler,omitempty"`
	Supervisor  *supervisor.Snapshot `json:"supervisor,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := healthView{Status: "healthy"}
	if s.deps.Loop != nil {
		st := s.deps.Loop.Status()
		out.Loop = &st
	}
	if s.deps.Health != nil {
		snap := s.deps.Health()
		out.Supervisor = &snap
	}

	endpoint, err := s.deps.Provider.Ping(r.Context())
	if err == nil {
		var vols []backup.Volume
		vols, err = s.deps.Provider.ListVolumes(r.Context())
		out.VolumeCount = len(vols)
	}
	if err != nil {
		out.Status = "unhealthy"
		out.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, out)
		return
	}
	out.Connected = true
	out.Endpoint = endpoint
	writeJSON(w, http.StatusOK, out)
}

type volumeStats struct {
	Total     int    `json:"total"`
	Available int    `json:"available"`
	InUse     int    `json:"in_use"`
	Error     int    `json:"error"`
	SizeGiB   int    `json:"size_gib"`
	SizeHuman string `json:"size_human"`
}

type backupStats struct {
	Total       int    `json:"total"`
	Full        int    `json:"full"`
	Incremental int    `json:"incremental"`
	Available   int    `json:"available"`
	Creating    int    `json:"creating"`
	Error       int    `json:"error"`
	SizeGiB     int    `json:"size_gib"`
	SizeHuman   string `json:"size_human"`
	Oldest      string `json:"oldest,omitempty"`
}

type infoView struct {
	Version         string        `json:"version,omitempty"`
	VolumeStats     volumeStats   `json:"volume_stats"`
	BackupStats     backupStats   `json:"backup_stats"`
	RetentionPolicy backup.Policy `json:"retention_policy"`
	Schedules       int           `json:"schedules"`
	EnabledCount    int           `json:"schedules_enabled"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vols, err := s.deps.Provider.ListVolumes(ctx)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	backups, err := s.deps.Provider.ListBackups(ctx)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	out := infoView{Version: s.deps.Version, RetentionPolicy: s.deps.Policy()}
	out.VolumeStats.Total = len(vols)
	for _, v := range vols {
		switch v.Status {
		case "available":
			out.VolumeStats.Available++
		case "in-use":
			out.VolumeStats.InUse++
		case "error":
			out.VolumeStats.Error++
		}
		out.VolumeStats.SizeGiB += v.Size
	}
	out.VolumeStats.SizeHuman = gib(out.VolumeStats.SizeGiB)

	now := s.deps.Clock.Now()
	var oldest time.Time
	out.BackupStats.Total = len(backups)
	for _, b := range backups {
		if b.IsIncremental {
			out.BackupStats.Incremental++
		} else {
			out.BackupStats.Full++
		}
		switch b.Status {
		case "available":
			out.BackupStats.Available++
		case "creating":
			out.BackupStats.Creating++
		case "error":
			out.BackupStats.Error++
		}
		out.BackupStats.SizeGiB += b.Size
		if t, err := backup.ParseCreatedAt(b.CreatedAt); err == nil && (oldest.IsZero() || t.Before(oldest)) {
			oldest = t
		}
	}
	out.BackupStats.SizeHuman = gib(out.BackupStats.SizeGiB)
	if !oldest.IsZero() {
		out.BackupStats.Oldest = humanize.RelTime(oldest, now, "ago", "from now")
	}

	if s.deps.Store != nil {
		if list, err := s.deps.Store.LoadAll(ctx); err == nil {
			out.Schedules = len(list)
			for _, sc := range list {
				if sc.Enabled {
					out.EnabledCount++
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.deps.Store.Runs(r.Context(), limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if runs == nil {
		runs = []backup.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}
