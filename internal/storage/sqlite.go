package storage

import (
	"backupd/internal/backup"
	logx "backupd/pkg/logx"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount atomic.Uint64
	maxRuns int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes the loop and the API.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, maxRuns: cfg.MaxRuns}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const scheduleColumns = `id, name, volume_ids, backup_type, schedule_type, schedule_time, weekdays, enabled, created_at, last_run`

func (s *sqliteStore) LoadAll(ctx context.Context) ([]backup.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backup.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		var de *decodeError
		if errors.As(err, &de) {
			s.log.Warn("skipping unreadable schedule row", logx.String("schedule", de.ID), logx.Err(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, id string) (backup.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return backup.Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *sqliteStore) Save(ctx context.Context, sc backup.Schedule) error {
	if strings.TrimSpace(sc.ID) == "" {
		return errors.New("schedule id is required")
	}
	vols, err := json.Marshal(nonNilStrings(sc.VolumeIDs))
	if err != nil {
		return err
	}
	var days any
	if sc.Weekdays != nil {
		b, err := json.Marshal(sc.Weekdays)
		if err != nil {
			return err
		}
		days = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, volume_ids=excluded.volume_ids, backup_type=excluded.backup_type,
		   schedule_type=excluded.schedule_type, schedule_time=excluded.schedule_time,
		   weekdays=excluded.weekdays, enabled=excluded.enabled, last_run=excluded.last_run`,
		sc.ID, sc.Name, string(vols), string(sc.BackupType), string(sc.ScheduleType), sc.ScheduleTime,
		days, boolInt(sc.Enabled), sc.CreatedAt.Format(time.RFC3339Nano), nullTime(sc.LastRun),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return affected(res, err)
}

func (s *sqliteStore) Toggle(ctx context.Context, id string) (backup.Schedule, error) {
	var out backup.Schedule
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE schedules SET enabled = 1 - enabled WHERE id = ?`, id)
		if err := affected(res, err); err != nil {
			return err
		}
		out, err = scanSchedule(tx.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
		return err
	})
	return out, err
}

func (s *sqliteStore) UpdateVolumeIDs(ctx context.Context, id string, fn func([]string) []string) (backup.Schedule, error) {
	var out backup.Schedule
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sc, err := scanSchedule(tx.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		sc.VolumeIDs = fn(sc.VolumeIDs)
		vols, err := json.Marshal(nonNilStrings(sc.VolumeIDs))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schedules SET volume_ids = ? WHERE id = ?`, string(vols), id); err != nil {
			return err
		}
		out = sc
		return nil
	})
	return out, err
}

// inTx runs fn in a transaction, committing only when fn succeeds.
func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SetLastRun(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET last_run = ? WHERE id = ?`, at.Format(time.RFC3339Nano), id)
	return affected(res, err)
}

func (s *sqliteStore) AppendRun(ctx context.Context, r backup.Run) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(at, kind, schedule_id, name, succeeded, total, success, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), string(r.Kind), nullStr(r.ScheduleID), nullStr(r.Name),
		r.Succeeded, r.Total, boolInt(r.Success), nullStr(r.Error), r.TookMS,
	)
	if err == nil && s.opCount.Add(1)%uint64(s.maxRuns) == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if perr := s.pruneRuns(pctx); perr != nil {
			s.log.Debug("run history prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Runs(ctx context.Context, limit int) ([]backup.Run, error) {
	if limit <= 0 {
		limit = s.maxRuns
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, schedule_id, name, succeeded, total, success, err, took_ms
		 FROM runs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backup.Run
	for rows.Next() {
		var (
			r                  backup.Run
			at, kind           string
			sid, name, errText sql.NullString
			success            int
		)
		if err := rows.Scan(&at, &kind, &sid, &name, &r.Succeeded, &r.Total, &success, &errText, &r.TookMS); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.Kind = backup.RunKind(kind)
		r.ScheduleID = sid.String
		r.Name = name.String
		r.Success = success != 0
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE seq <= (SELECT seq FROM runs ORDER BY seq DESC LIMIT 1 OFFSET ?)`, s.maxRuns)
	return err
}

// decodeError is a row whose JSON columns no longer decode.
type decodeError struct {
	ID     string
	Column string
	Err    error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("schedule %s: %s: %v", e.ID, e.Column, e.Err)
}

func (e *decodeError) Unwrap() error { return e.Err }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (backup.Schedule, error) {
	var (
		sc            backup.Schedule
		vols, bt, st  string
		days, lastRun sql.NullString
		enabled       int
		createdAt     string
	)
	if err := r.Scan(&sc.ID, &sc.Name, &vols, &bt, &st, &sc.ScheduleTime, &days, &enabled, &createdAt, &lastRun); err != nil {
		return backup.Schedule{}, err
	}
	if err := json.Unmarshal([]byte(vols), &sc.VolumeIDs); err != nil {
		return backup.Schedule{}, &decodeError{ID: sc.ID, Column: "volume_ids", Err: err}
	}
	if days.Valid && days.String != "" {
		if err := json.Unmarshal([]byte(days.String), &sc.Weekdays); err != nil {
			return backup.Schedule{}, &decodeError{ID: sc.ID, Column: "weekdays", Err: err}
		}
	}
	sc.BackupType = backup.BackupType(bt)
	sc.ScheduleType = backup.ScheduleType(st)
	sc.Enabled = enabled != 0
	sc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastRun.Valid && lastRun.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastRun.String); err == nil {
			sc.LastRun = &t
		}
	}
	return sc, nil
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
