package api

import (
	"backupd/internal/backup"
	"backupd/internal/provider"
	"backupd/internal/runtime/supervisor"
	"backupd/internal/storage"
	logx "backupd/pkg/logx"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
)

// Config controls the JSON API server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	// Pprof mounts the runtime profiler under /debug/pprof/.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const DefaultAddr = "127.0.0.1:8080"

// Provider is everything the API reaches on the backup provider.
type Provider interface {
	backup.Provider
	ListVolumes(ctx context.Context) ([]backup.Volume, error)
	GetBackup(ctx context.Context, id string) (backup.Record, error)
	RestoreBackup(ctx context.Context, backupID, volumeID, name string) (provider.Restore, error)
	ExportBackup(ctx context.Context, backupID string) (provider.ExportRecord, error)
	ImportBackup(ctx context.Context, rec provider.ExportRecord) (backup.Created, error)
	Ping(ctx context.Context) (string, error)
}

// Deps wires the API to the rest of the daemon.
type Deps struct {
	Provider  Provider
	Store     storage.Store
	Executor  *backup.Executor
	Retention *backup.Retention
	Loop      *backup.Loop
	Clock     clock.Clock

	// Policy returns the retention defaults for cleanup requests that carry
	// no policy of their own.
	Policy func() backup.Policy
	// Health returns the supervisor view; nil omits it.
	Health func() supervisor.Snapshot
	// Version is reported by /api/info.
	Version string
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	router *mux.Router
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Policy == nil {
		deps.Policy = func() backup.Policy { return backup.Policy{RetentionDays: backup.DefaultRetentionDays} }
	}
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.router = s.routes()
	return s
}

// Handler exposes the router (with auth) for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.withAuth, s.withLogging)
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)

	api.HandleFunc("/volumes", s.handleVolumes).Methods(http.MethodGet)
	api.HandleFunc("/backups", s.handleBackups).Methods(http.MethodGet)

	api.HandleFunc("/backup/full", s.handleManual(backup.BackupFull)).Methods(http.MethodPost)
	api.HandleFunc("/backup/incremental", s.handleManual(backup.BackupIncremental)).Methods(http.MethodPost)
	api.HandleFunc("/backup/cleanup", s.handleCleanup).Methods(http.MethodPost)
	api.HandleFunc("/backup/import", s.handleImport).Methods(http.MethodPost)
	api.HandleFunc("/backup/{id}", s.handleDeleteBackup).Methods(http.MethodDelete)
	api.HandleFunc("/backup/{id}/status", s.handleBackupStatus).Methods(http.MethodGet)
	api.HandleFunc("/backup/{id}/restore", s.handleRestore).Methods(http.MethodPost)
	api.HandleFunc("/backup/{id}/export", s.handleExport).Methods(http.MethodGet)

	api.HandleFunc("/schedules", s.handleListSchedules).Methods(http.MethodGet)
	api.HandleFunc("/schedules", s.handleCreateSchedule).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}", s.handleGetSchedule).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}", s.handleDeleteSchedule).Methods(http.MethodDelete)
	api.HandleFunc("/schedules/{id}/toggle", s.handleToggleSchedule).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}/volumes", s.handleAddVolumes).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}/volumes", s.handleRemoveVolumes).Methods(http.MethodDelete)

	if s.cfg.Pprof {
		mountPprof(r)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Run listens and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)

	// Safety: prevent accidental public exposure without auth.
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("api refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return errors.New("api refused to start: insecure bind")
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("api running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("api listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		s.log.Info("api stopped")
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("api server exited unexpectedly")
	}
	return err
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			next.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.deps.Clock.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug("api request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", sw.status),
			logx.Duration("took", s.deps.Clock.Now().Sub(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func isLoopbackAddr(addr string) bool {
	// addr is expected in host:port (host may be empty).
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
