package backup

import (
	logx "backupd/pkg/logx"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
)

// DefaultInterval is the polling cadence of the loop.
const DefaultInterval = 60 * time.Second

type LoopState int32

const (
	StateIdle LoopState = iota
	StateEvaluating
)

func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEvaluating:
		return "evaluating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type LoopConfig struct {
	Interval time.Duration
	// RefireGuard skips schedules whose LastRun already falls in the current
	// firing window.
	RefireGuard bool
}

// TickResult summarizes one evaluation pass.
type TickResult struct {
	At        time.Time `json:"at"`
	Loaded    int       `json:"loaded"`
	Fired     int       `json:"fired"`
	Succeeded int       `json:"succeeded"`
	Guarded   int       `json:"guarded"`
	Error     string    `json:"error,omitempty"`
}

// LoopStatus is a point-in-time view for health output.
type LoopStatus struct {
	State    string        `json:"state"`
	Interval time.Duration `json:"interval"`
	Ticks    uint64        `json:"ticks"`
	LastTick *TickResult   `json:"last_tick,omitempty"`
}

// Loop polls the store on a fixed cadence and fires due schedules.
// Ticks never overlap: the next timer starts only after a tick completes.
type Loop struct {
	store   Store
	trigger *Trigger
	exec    *Executor
	clock   clock.Clock
	log     logx.Logger

	mu   sync.Mutex
	cfg  LoopConfig
	last *TickResult

	state atomic.Int32
	ticks atomic.Uint64
}

func NewLoop(store Store, trigger *Trigger, exec *Executor, clk clock.Clock, cfg LoopConfig, log logx.Logger) *Loop {
	if clk == nil {
		clk = clock.WallClock
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Loop{store: store, trigger: trigger, exec: exec, clock: clk, cfg: cfg, log: log}
}

// Apply swaps the loop config; it takes effect from the next wait.
func (l *Loop) Apply(cfg LoopConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *Loop) config() LoopConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Loop) State() LoopState { return LoopState(l.state.Load()) }

func (l *Loop) Status() LoopStatus {
	l.mu.Lock()
	var last *TickResult
	if l.last != nil {
		cp := *l.last
		last = &cp
	}
	iv := l.cfg.Interval
	l.mu.Unlock()
	return LoopStatus{State: l.State().String(), Interval: iv, Ticks: l.ticks.Load(), LastTick: last}
}

// Run evaluates immediately, then once per interval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("scheduler loop started", logx.Duration("interval", l.config().Interval))
	for {
		l.Tick(ctx)
		select {
		case <-ctx.Done():
			l.log.Info("scheduler loop stopped")
			return nil
		case <-l.clock.After(l.config().Interval):
		}
	}
}

// Tick runs one evaluation pass. Failures are logged and reported in the
// result; a panic inside the pass is recovered.
func (l *Loop) Tick(ctx context.Context) (res TickResult) {
	l.state.Store(int32(StateEvaluating))
	res.At = l.clock.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Error = fmt.Sprintf("panic: %v", p)
			l.log.Error("scheduler tick panicked", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
		l.ticks.Add(1)
		l.mu.Lock()
		cp := res
		l.last = &cp
		l.mu.Unlock()
		l.state.Store(int32(StateIdle))
	}()

	schedules, err := l.store.LoadAll(ctx)
	if err != nil {
		res.Error = err.Error()
		l.log.Error("load schedules failed", logx.Err(err))
		return res
	}
	res.Loaded = len(schedules)
	guard := l.config().RefireGuard

	for _, s := range schedules {
		if ctx.Err() != nil {
			break
		}
		now := l.clock.Now()
		if !l.trigger.ShouldFire(s, now) {
			continue
		}
		if guard && l.trigger.AlreadyFired(s, now) {
			res.Guarded++
			l.log.Debug("schedule already fired in this window", logx.String("schedule", s.ID))
			continue
		}

		res.Fired++
		out := l.exec.Execute(ctx, s)
		l.record(ctx, s, out)
		if !out.Success {
			l.log.Warn("schedule firing failed", logx.String("schedule", s.ID), logx.Int("total", out.Total))
			continue
		}
		res.Succeeded++
		if err := l.store.SetLastRun(ctx, s.ID, out.StartedAt); err != nil {
			l.log.Error("persist last_run failed", logx.String("schedule", s.ID), logx.Err(err))
		}
	}
	return res
}

func (l *Loop) record(ctx context.Context, s Schedule, out Outcome) {
	if err := l.store.AppendRun(ctx, ScheduleRun(s, out)); err != nil {
		l.log.Warn("append run history failed", logx.String("schedule", s.ID), logx.Err(err))
	}
}
