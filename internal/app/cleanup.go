package app

import (
	"backupd/internal/backup"
	logx "backupd/pkg/logx"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
)

// cleanupParser accepts standard 5-field specs and descriptors (@daily, @every 6h).
var cleanupParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseCleanupSpec(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := cleanupParser.Parse(spec); err != nil {
		return fmt.Errorf("retention.cron: invalid %q: %w", spec, err)
	}
	return nil
}

// runRecorder is the slice of the store used to journal cleanup runs.
type runRecorder interface {
	AppendRun(ctx context.Context, run backup.Run) error
}

// cleanupCron runs the retention engine on retention.cron. An empty spec
// keeps it idle.
type cleanupCron struct {
	retention *backup.Retention
	runs      runRecorder
	clock     clock.Clock
	policy    func() backup.Policy
	loc       *time.Location
	log       logx.Logger

	mu   sync.Mutex
	ctx  context.Context
	spec string
	c    *cron.Cron
}

func newCleanupCron(ret *backup.Retention, runs runRecorder, clk clock.Clock, policy func() backup.Policy, loc *time.Location, log logx.Logger) *cleanupCron {
	if clk == nil {
		clk = clock.WallClock
	}
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &cleanupCron{retention: ret, runs: runs, clock: clk, policy: policy, loc: loc, log: log}
}

// Apply sets the cron expression. While running, the cron is rebuilt when it changes.
func (c *cleanupCron) Apply(spec string) error {
	spec = strings.TrimSpace(spec)
	if err := parseCleanupSpec(spec); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if spec == c.spec {
		return nil
	}
	c.spec = spec
	if c.ctx != nil {
		return c.restartLocked()
	}
	return nil
}

// Run starts the cron and blocks until ctx is done.
func (c *cleanupCron) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	err := c.restartLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	<-ctx.Done()

	c.mu.Lock()
	cr := c.c
	c.c = nil
	c.ctx = nil
	c.mu.Unlock()
	if cr != nil {
		// Running jobs observe ctx and unwind on their own.
		cr.Stop()
	}
	return nil
}

func (c *cleanupCron) restartLocked() error {
	if c.c != nil {
		c.c.Stop()
		c.c = nil
	}
	if c.spec == "" {
		c.log.Debug("periodic cleanup disabled")
		return nil
	}
	cl := cronLogger{log: c.log}
	cr := cron.New(
		cron.WithParser(cleanupParser),
		cron.WithLocation(c.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx := c.ctx
	if _, err := cr.AddFunc(c.spec, func() { c.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("retention.cron: %w", err)
	}
	cr.Start()
	c.c = cr
	c.log.Info("periodic cleanup scheduled", logx.String("cron", c.spec), logx.String("tz", c.loc.String()))
	return nil
}

// RunOnce performs one cleanup with the configured policy and journals it.
func (c *cleanupCron) RunOnce(ctx context.Context) (backup.CleanupReport, error) {
	policy := c.policy()
	started := c.clock.Now()
	rep, err := c.retention.Run(ctx, policy)
	if backup.IsConfigError(err) {
		c.log.Error("periodic cleanup rejected", logx.Err(err))
		return rep, err
	}
	if c.runs != nil {
		if aerr := c.runs.AppendRun(ctx, backup.CleanupRun(rep, started, c.clock.Now().Sub(started))); aerr != nil {
			c.log.Warn("append run history failed", logx.String("kind", string(backup.RunCleanup)), logx.Err(aerr))
		}
	}
	if err != nil {
		c.log.Error("periodic cleanup failed", logx.Err(err))
		return rep, err
	}
	c.log.Info("periodic cleanup finished",
		logx.String("mode", string(policy.Mode())),
		logx.Int("deleted", rep.DeletedCount),
		logx.Int("failed", len(rep.Failed)),
	)
	return rep, nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
