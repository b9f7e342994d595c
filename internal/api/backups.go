package api

import (
	"backupd/internal/backup"
	"backupd/internal/provider"
	logx "backupd/pkg/logx"
	"fmt"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
)

type volumeView struct {
	backup.Volume
	Backupable bool   `json:"backupable"`
	SizeHuman  string `json:"size_human"`
}

func gib(n int) string { return humanize.IBytes(uint64(n) << 30) }

func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	vols, err := s.deps.Provider.ListVolumes(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out := make([]volumeView, 0, len(vols))
	for _, v := range vols {
		out = append(out, volumeView{Volume: v, Backupable: v.Backupable(), SizeHuman: gib(v.Size)})
	}
	writeJSON(w, http.StatusOK, out)
}

type backupsView struct {
	Full        []backup.Record `json:"full_backups"`
	Incremental []backup.Record `json:"incremental_backups"`
	All         []backup.Record `json:"all_backups"`
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Provider.ListBackups(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out := backupsView{Full: []backup.Record{}, Incremental: []backup.Record{}, All: all}
	if out.All == nil {
		out.All = []backup.Record{}
	}
	for _, b := range all {
		switch b.BackupType {
		case backup.BackupFull:
			out.Full = append(out.Full, b)
		case backup.BackupIncremental:
			out.Incremental = append(out.Incremental, b)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type manualRequest struct {
	VolumeIDs []string `mapstructure:"volume_ids"`
	Name      string   `mapstructure:"name"`
}

type manualResponse struct {
	backup.Outcome
	Message string `json:"message"`
}

func (s *Server) handleManual(t backup.BackupType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req manualRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeErr(w, r, err)
			return
		}
		ids := backup.UniqueIDs(req.VolumeIDs)
		if len(ids) == 0 {
			s.writeErr(w, r, &backup.ConfigError{Field: "volume_ids", Msg: "at least one volume is required"})
			return
		}

		out := s.deps.Executor.Manual(r.Context(), ids, t, strings.TrimSpace(req.Name))
		s.appendRun(r, backup.ManualRun(out))
		writeJSON(w, http.StatusOK, manualResponse{
			Outcome: out,
			Message: fmt.Sprintf("created %d of %d %s backups", out.Succeeded, out.Total, t),
		})
	}
}

type cleanupRequest struct {
	RetentionDays  *int           `mapstructure:"retention_days"`
	VolumePolicies map[string]int `mapstructure:"volume_policies"`
}

type cleanupResponse struct {
	backup.CleanupReport
	Message         string         `json:"message"`
	PoliciesApplied map[string]int `json:"policies_applied,omitempty"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}

	policy := s.deps.Policy()
	if req.RetentionDays != nil || len(req.VolumePolicies) > 0 {
		policy = backup.Policy{RetentionDays: backup.DefaultRetentionDays, VolumeDays: req.VolumePolicies}
		if req.RetentionDays != nil {
			policy.RetentionDays = *req.RetentionDays
		}
	}

	started := s.deps.Clock.Now()
	rep, err := s.deps.Retention.Run(r.Context(), policy)
	if backup.IsConfigError(err) {
		s.writeErr(w, r, err)
		return
	}
	s.appendRun(r, backup.CleanupRun(rep, started, s.deps.Clock.Now().Sub(started)))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	resp := cleanupResponse{CleanupReport: rep}
	if policy.Mode() == backup.ModePerVolume {
		resp.PoliciesApplied = policy.VolumeDays
		resp.Message = fmt.Sprintf("per-volume cleanup finished, deleted %d backups", rep.DeletedCount)
	} else {
		resp.Message = fmt.Sprintf("cleanup finished, deleted %d backups older than %d days", rep.DeletedCount, policy.RetentionDays)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Provider.DeleteBackup(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.log.Info("backup deleted", logx.String("backup", id))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "backup_id": id})
}

func (s *Server) handleBackupStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Provider.GetBackup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type restoreRequest struct {
	VolumeID string `mapstructure:"volume_id"`
	Name     string `mapstructure:"name"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	res, err := s.deps.Provider.RestoreBackup(r.Context(), id, strings.TrimSpace(req.VolumeID), strings.TrimSpace(req.Name))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.log.Info("backup restore requested", logx.String("backup", id), logx.String("volume", res.VolumeID))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"backup_id":   id,
		"volume_id":   res.VolumeID,
		"volume_name": res.VolumeName,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Provider.ExportBackup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"backup_service": rec.BackupService,
		"backup_url":     rec.BackupURL,
	})
}

type importRequest struct {
	BackupService string `mapstructure:"backup_service"`
	BackupURL     string `mapstructure:"backup_url"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.BackupService) == "" || strings.TrimSpace(req.BackupURL) == "" {
		s.writeErr(w, r, &backup.ConfigError{Msg: "backup_service and backup_url are required"})
		return
	}
	created, err := s.deps.Provider.ImportBackup(r.Context(), provider.ExportRecord{
		BackupService: strings.TrimSpace(req.BackupService),
		BackupURL:     strings.TrimSpace(req.BackupURL),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"backup_id":   created.ID,
		"backup_name": created.Name,
	})
}

func (s *Server) appendRun(r *http.Request, run backup.Run) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.AppendRun(r.Context(), run); err != nil {
		s.log.Warn("append run history failed", logx.String("kind", string(run.Kind)), logx.Err(err))
	}
}
