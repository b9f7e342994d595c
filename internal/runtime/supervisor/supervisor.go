package supervisor

import (
	logx "backupd/pkg/logx"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/juju/clock"
)

// Supervisor runs the daemon's long-lived tasks (scheduler loop, API server,
// config watcher, retention cron) on a shared context.
//   - Named tasks with per-name stats for /api/health
//   - Panic recovery
//   - Optional cancel-on-first-error
//   - Restart with exponential backoff for tasks that must stay up
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	clock       clock.Clock
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // stores error
	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*taskStats
}

type Option func(*Supervisor)

// TaskStats is a best-effort view of one named task.
type TaskStats struct {
	Name        string    `json:"name"`
	Running     bool      `json:"running"`
	Starts      uint64    `json:"starts"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at,omitempty"`
	LastErr     string    `json:"last_err,omitempty"`
	LastPanic   string    `json:"last_panic,omitempty"`
}

// Snapshot is a point-in-time view of the supervisor for health output.
type Snapshot struct {
	Running    int         `json:"running"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

type taskStats struct {
	TaskStats
	active int
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithClock replaces the wall clock used for restart delays and stats.
func WithClock(clk clock.Clock) Option {
	return func(s *Supervisor) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// If enabled, the first non-nil error from any task cancels the supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		clock:  clock.WallClock,
		doneCh: make(chan struct{}),
		tasks:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for tasks to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.tasks {
		ts := st.TaskStats
		ts.Running = st.active > 0
		if ts.Running {
			snap.Running++
		}
		snap.Tasks = append(snap.Tasks, ts)
	}
	s.mu.Unlock()
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}

func (s *Supervisor) stats(name string, fn func(st *taskStats)) {
	s.mu.Lock()
	st := s.tasks[name]
	if st == nil {
		st = &taskStats{TaskStats: TaskStats{Name: name}}
		s.tasks[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

func (s *Supervisor) noteStart(name string, restart bool) {
	now := s.clock.Now()
	s.stats(name, func(st *taskStats) {
		st.active++
		st.Starts++
		if restart {
			st.Restarts++
		}
		st.LastStartAt = now
	})
}

func (s *Supervisor) noteStop(name string, err error, pan any) {
	now := s.clock.Now()
	s.stats(name, func(st *taskStats) {
		if st.active > 0 {
			st.active--
		}
		st.LastStopAt = now
		if err != nil {
			st.LastErr = err.Error()
		}
		if pan != nil {
			st.Panics++
			st.LastPanic = fmt.Sprint(pan)
		}
	})
}

// runSafe calls fn, turning a panic into an error.
func (s *Supervisor) runSafe(name string, fn func(ctx context.Context) error) (err error, pan any) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return fn(s.ctx), nil
}

// Go runs fn once. A returned error (other than cancellation) or a panic is
// recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.noteStart(name, false)
		s.log.Debug("task started", logx.String("name", name))

		err, pan := s.runSafe(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.noteStop(name, err, pan)
		if err != nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("task stopped", logx.String("name", name))
	}()
}

// RestartPolicy bounds GoRestart.
type RestartPolicy struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxRestarts <= 0 means unlimited.
	MaxRestarts int
}

// DefaultRestartPolicy restarts forever between 250ms and 30s apart.
var DefaultRestartPolicy = RestartPolicy{MinBackoff: 250 * time.Millisecond, MaxBackoff: 30 * time.Second}

// GoRestart runs fn and restarts it after an error or panic until the
// supervisor stops. A clean return ends the task. When MaxRestarts is
// exhausted the last error becomes the supervisor error.
func (s *Supervisor) GoRestart(name string, policy RestartPolicy, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if policy.MinBackoff <= 0 {
		policy.MinBackoff = DefaultRestartPolicy.MinBackoff
	}
	if policy.MaxBackoff < policy.MinBackoff {
		policy.MaxBackoff = policy.MinBackoff
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = policy.MinBackoff
		b.MaxInterval = policy.MaxBackoff
		b.MaxElapsedTime = 0
		b.Clock = s.clock
		b.Reset()

		for restarts := 0; ; restarts++ {
			s.noteStart(name, restarts > 0)
			started := s.clock.Now()
			err, pan := s.runSafe(name, fn)

			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) || err == nil {
				s.noteStop(name, nil, pan)
				return
			}
			s.noteStop(name, err, pan)

			if policy.MaxRestarts > 0 && restarts >= policy.MaxRestarts {
				s.log.Error("task gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			// A long healthy run starts the backoff over.
			if s.clock.Now().Sub(started) >= 30*time.Second {
				b.Reset()
			}
			wait := b.NextBackOff()
			s.log.Warn("task restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-s.ctx.Done():
				return
			case <-s.clock.After(wait):
			}
		}
	}()
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}
