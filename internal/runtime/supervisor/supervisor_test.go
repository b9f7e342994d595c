package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecordsErrorAndCancels(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(ctx context.Context) error { return errors.New("bad") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom: bad")

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 2)
	assert.Equal(t, "boom", snap.Tasks[0].Name)
	assert.Equal(t, "bad", snap.Tasks[0].LastErr)
	assert.Zero(t, snap.Running)
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("panicky", func(ctx context.Context) error { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	assert.EqualValues(t, 1, snap.Tasks[0].Panics)
	assert.Equal(t, "oops", snap.Tasks[0].LastPanic)
}

func TestGoRestartRetriesUntilCleanExit(t *testing.T) {
	t.Parallel()

	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(context.Background(), WithClock(clk))

	var calls atomic.Int32
	s.GoRestart("flaky", RestartPolicy{MinBackoff: time.Second, MaxBackoff: time.Second}, func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	for i := 0; i < 2; i++ {
		require.NoError(t, clk.WaitAdvance(2*time.Second, 5*time.Second, 1))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.EqualValues(t, 3, calls.Load())

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	assert.EqualValues(t, 3, snap.Tasks[0].Starts)
	assert.EqualValues(t, 2, snap.Tasks[0].Restarts)
	assert.Empty(t, snap.FirstError)
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(context.Background(), WithClock(clk))
	s.GoRestart("doomed", RestartPolicy{MinBackoff: time.Second, MaxBackoff: time.Second, MaxRestarts: 1}, func(ctx context.Context) error {
		return errors.New("always")
	})

	require.NoError(t, clk.WaitAdvance(2*time.Second, 5*time.Second, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doomed: always")
}

func TestStopCancelsTasks(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.GoRestart("loop", DefaultRestartPolicy, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
