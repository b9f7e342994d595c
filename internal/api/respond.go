package api

import (
	"backupd/internal/backup"
	"backupd/internal/provider"
	"backupd/internal/storage"
	logx "backupd/pkg/logx"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// maxBody caps request bodies; every request here is a small JSON object.
const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeErr maps domain errors onto status codes.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("api request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var ce *backup.ConfigError
	var pe *provider.Error
	switch {
	case errors.As(err, &ce):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), provider.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &pe) && pe.StatusCode >= 400 && pe.StatusCode < 500:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON object and decodes it into out with weak typing
// ("30" for 30, a single string for a one-element list). An empty body
// leaves out untouched.
func decodeBody(r *http.Request, out any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return &backup.ConfigError{Msg: "failed to read request body"}
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return &backup.ConfigError{Msg: "request body must be a JSON object"}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return &backup.ConfigError{Msg: "invalid request: " + err.Error()}
	}
	return nil
}
