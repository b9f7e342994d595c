package storage

import (
	"backupd/internal/backup"
	logx "backupd/pkg/logx"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.schedules.json (full snapshot, rewritten atomically)
//   - <prefix>.runs.jsonl     (append-only JSON Lines)
//
// The run journal is compacted to the newest maxRuns entries on open and
// every maxRuns appends. The snapshot is read again whenever its size or
// mtime no longer matches what this store last read or wrote.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	runsPath     string
	runsFile     *os.File
	schedules    map[string]backup.Schedule
	snapStat     fileStamp

	maxRuns   int
	runWrites int
	closed    bool
}

// fileStamp identifies one version of the snapshot file.
type fileStamp struct {
	size    int64
	modTime time.Time
}

func stampOf(fi os.FileInfo) fileStamp {
	if fi == nil {
		return fileStamp{}
	}
	return fileStamp{size: fi.Size(), modTime: fi.ModTime()}
}

type snapshot struct {
	Version   int               `json:"version"`
	Schedules []backup.Schedule `json:"schedules"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".schedules.json",
		runsPath:     prefix + ".runs.jsonl",
		maxRuns:      cfg.MaxRuns,
	}
	m, stamp, err := s.readSnapshot()
	if err != nil {
		return nil, err
	}
	s.schedules, s.snapStat = m, stamp
	if err := s.compactRunsLocked(); err != nil {
		log.Warn("run journal compaction failed", logx.Err(err))
	}

	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.runsFile = rf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}

func (s *fileStore) LoadAll(ctx context.Context) ([]backup.Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.refreshLocked()
	return s.sortedLocked(), nil
}

func (s *fileStore) Get(ctx context.Context, id string) (backup.Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backup.Schedule{}, ErrClosed
	}
	s.refreshLocked()
	sc, ok := s.schedules[id]
	if !ok {
		return backup.Schedule{}, ErrNotFound
	}
	return cloneSchedule(sc), nil
}

func (s *fileStore) Save(ctx context.Context, sc backup.Schedule) error {
	if strings.TrimSpace(sc.ID) == "" {
		return errors.New("schedule id is required")
	}
	return s.mutate(ctx, func(m map[string]backup.Schedule) error {
		m[sc.ID] = cloneSchedule(sc)
		return nil
	})
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	return s.mutate(ctx, func(m map[string]backup.Schedule) error {
		if _, ok := m[id]; !ok {
			return ErrNotFound
		}
		delete(m, id)
		return nil
	})
}

func (s *fileStore) Toggle(ctx context.Context, id string) (backup.Schedule, error) {
	var out backup.Schedule
	err := s.update(ctx, id, func(sc *backup.Schedule) {
		sc.Enabled = !sc.Enabled
		out = cloneSchedule(*sc)
	})
	return out, err
}

func (s *fileStore) UpdateVolumeIDs(ctx context.Context, id string, fn func([]string) []string) (backup.Schedule, error) {
	var out backup.Schedule
	err := s.update(ctx, id, func(sc *backup.Schedule) {
		sc.VolumeIDs = append([]string(nil), fn(append([]string(nil), sc.VolumeIDs...))...)
		out = cloneSchedule(*sc)
	})
	return out, err
}

func (s *fileStore) SetLastRun(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, func(sc *backup.Schedule) {
		t := at
		sc.LastRun = &t
	})
}

func (s *fileStore) update(ctx context.Context, id string, fn func(*backup.Schedule)) error {
	return s.mutate(ctx, func(m map[string]backup.Schedule) error {
		sc, ok := m[id]
		if !ok {
			return ErrNotFound
		}
		fn(&sc)
		m[id] = sc
		return nil
	})
}

// mutate applies fn to a copy of the schedule set and persists it. The
// in-memory state only changes once the snapshot is on disk.
func (s *fileStore) mutate(ctx context.Context, fn func(map[string]backup.Schedule) error) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.refreshLocked()
	next := make(map[string]backup.Schedule, len(s.schedules))
	for k, v := range s.schedules {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	stamp, err := s.writeSnapshot(next)
	if err != nil {
		return err
	}
	s.schedules, s.snapStat = next, stamp
	return nil
}

func (s *fileStore) AppendRun(ctx context.Context, run backup.Run) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if run.At.IsZero() {
		run.At = time.Now()
	}
	if err := json.NewEncoder(s.runsFile).Encode(run); err != nil {
		return err
	}
	s.runWrites++
	if s.runWrites%s.maxRuns == 0 {
		if err := s.compactRunsLocked(); err != nil {
			s.log.Debug("run journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Runs(ctx context.Context, limit int) ([]backup.Run, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	runs, err := readRuns(s.runsPath)
	if err != nil {
		return nil, err
	}
	out := make([]backup.Run, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fileStore) sortedLocked() []backup.Schedule {
	out := make([]backup.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, cloneSchedule(sc))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// refreshLocked picks up edits made to the snapshot by another writer. A
// snapshot that no longer parses is logged and the last good state is kept.
func (s *fileStore) refreshLocked() {
	fi, err := os.Stat(s.snapshotPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("schedule snapshot stat failed", logx.Err(err))
		return
	}
	if stampOf(fi) == s.snapStat {
		return
	}
	m, stamp, err := s.readSnapshot()
	if err != nil {
		s.log.Warn("schedule snapshot changed but could not be read", logx.String("path", s.snapshotPath), logx.Err(err))
		return
	}
	s.log.Info("schedule snapshot reloaded", logx.String("path", s.snapshotPath), logx.Int("schedules", len(m)))
	s.schedules, s.snapStat = m, stamp
}

func (s *fileStore) readSnapshot() (map[string]backup.Schedule, fileStamp, error) {
	m := map[string]backup.Schedule{}
	f, err := os.Open(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return m, fileStamp{}, nil
	}
	if err != nil {
		return nil, fileStamp{}, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fileStamp{}, err
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fileStamp{}, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return m, stampOf(fi), nil
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fileStamp{}, err
	}
	for _, sc := range snap.Schedules {
		m[sc.ID] = sc
	}
	return m, stampOf(fi), nil
}

func (s *fileStore) writeSnapshot(m map[string]backup.Schedule) (fileStamp, error) {
	snap := snapshot{Version: 1, Schedules: make([]backup.Schedule, 0, len(m))}
	for _, sc := range m {
		snap.Schedules = append(snap.Schedules, sc)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].ID < snap.Schedules[j].ID })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fileStamp{}, err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = f.Close()
		return fileStamp{}, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fileStamp{}, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fileStamp{}, err
	}
	if err := f.Close(); err != nil {
		return fileStamp{}, err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return fileStamp{}, err
	}
	return stampOf(fi), nil
}

// compactRunsLocked keeps the newest maxRuns entries.
func (s *fileStore) compactRunsLocked() error {
	runs, err := readRuns(s.runsPath)
	if err != nil || len(runs) <= s.maxRuns {
		return err
	}
	runs = runs[len(runs)-s.maxRuns:]

	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return err
	}
	if s.runsFile != nil {
		_ = s.runsFile.Close()
		rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
		if err != nil {
			s.runsFile = nil
			return err
		}
		s.runsFile = rf
	}
	return nil
}

func readRuns(path string) ([]backup.Run, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []backup.Run
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r backup.Run
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

func cloneSchedule(sc backup.Schedule) backup.Schedule {
	sc.VolumeIDs = append([]string(nil), sc.VolumeIDs...)
	if sc.Weekdays != nil {
		sc.Weekdays = append([]int(nil), sc.Weekdays...)
	}
	if sc.LastRun != nil {
		t := *sc.LastRun
		sc.LastRun = &t
	}
	return sc
}
