package api

import (
	"backupd/internal/backup"
	logx "backupd/pkg/logx"
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.LoadAll(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if list == nil {
		list = []backup.Schedule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.deps.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req backup.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	sc, err := backup.NewSchedule(req, s.deps.Clock.Now())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.deps.Store.Save(r.Context(), sc); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.log.Info("schedule created",
		logx.String("schedule", sc.ID),
		logx.String("schedule_type", string(sc.ScheduleType)),
		logx.String("schedule_time", sc.ScheduleTime),
		logx.Int("volumes", len(sc.VolumeIDs)),
	)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "schedule": sc})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Store.Delete(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.log.Info("schedule deleted", logx.String("schedule", id))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sc, err := s.deps.Store.Toggle(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.log.Info("schedule toggled", logx.String("schedule", id), logx.Bool("enabled", sc.Enabled))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": sc.Enabled})
}

type volumesRequest struct {
	VolumeIDs []string `mapstructure:"volume_ids"`
}

func (s *Server) decodeVolumes(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req volumesRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return nil, false
	}
	ids := backup.UniqueIDs(req.VolumeIDs)
	if len(ids) == 0 {
		s.writeErr(w, r, &backup.ConfigError{Field: "volume_ids", Msg: "at least one volume is required"})
		return nil, false
	}
	return ids, true
}

func (s *Server) handleAddVolumes(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.decodeVolumes(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	var added int
	sc, err := s.deps.Store.UpdateVolumeIDs(r.Context(), id, func(cur []string) []string {
		var merged []string
		merged, added = backup.AddVolumes(cur, ids)
		return merged
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"added_count":   added,
		"total_volumes": len(sc.VolumeIDs),
	})
}

func (s *Server) handleRemoveVolumes(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.decodeVolumes(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	var removed int
	sc, err := s.deps.Store.UpdateVolumeIDs(r.Context(), id, func(cur []string) []string {
		var kept []string
		kept, removed = backup.RemoveVolumes(cur, ids)
		return kept
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if len(sc.VolumeIDs) == 0 {
		s.log.Warn("schedule has no volumes left", logx.String("schedule", id))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"removed_count":   removed,
		"remaining_count": len(sc.VolumeIDs),
	})
}
