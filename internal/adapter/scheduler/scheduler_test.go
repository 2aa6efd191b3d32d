package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_AddCronJob_InvalidSpec(t *testing.T) {
	s := New(testLogger())
	err := s.AddCronJob("not a cron spec", func(ctx context.Context) error { return nil })
	require.Error(t, err)
}

func TestScheduler_RunsJob(t *testing.T) {
	s := New(testLogger())

	var runs atomic.Int32
	err := s.AddCronJobWithOptions("@every 10ms", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, JobOptions{Name: "tick"})
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_SkipIfRunning(t *testing.T) {
	s := New(testLogger())

	var active, maxActive atomic.Int32
	err := s.AddCronJobWithOptions("@every 10ms", func(ctx context.Context) error {
		cur := active.Add(1)
		for {
			prev := maxActive.Load()
			if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		active.Add(-1)
		return nil
	}, JobOptions{Name: "slow", OverlapPolicy: SkipIfRunning})
	require.NoError(t, err)

	s.Start()
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), maxActive.Load(), "overlapping runs must be skipped")
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	s := New(testLogger())

	var runs atomic.Int32
	err := s.AddCronJob("@every 10ms", func(ctx context.Context) error {
		runs.Add(1)
		panic("boom")
	})
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	// Паника не должна ронять планировщик - запуски продолжаются
	assert.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_ContextCancelStopsRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewWithContext(ctx, testLogger())

	var runs atomic.Int32
	err := s.AddCronJob("@every 10ms", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(30 * time.Millisecond)
	before := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, runs.Load(), "no new runs after context cancel")
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	s := New(testLogger())
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
