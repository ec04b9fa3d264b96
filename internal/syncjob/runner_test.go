package syncjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/progress"
	"github.com/sells-group/catalogsync/internal/reaper"
)

func itemsJob(name string, n int, apply func(ctx context.Context, i int) (Outcome, error)) func(*harness) Job {
	return func(*harness) Job {
		return &funcJob{name: name, plan: func(context.Context) (*Plan, error) {
			p := &Plan{}
			for i := range n {
				p.Items = append(p.Items, Item{
					Key:   fmt.Sprintf("item-%02d", i),
					Label: fmt.Sprintf("Item %d", i),
					Apply: func(ctx context.Context) (Outcome, error) { return apply(ctx, i) },
				})
			}
			return p, nil
		}}
	}
}

func TestRunner_UnknownJob(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.runner.Run(context.Background(), "nope", RunOptions{})
	assert.True(t, errors.Is(err, ErrUnknownJob))
}

func TestRunner_BusyIsASkip(t *testing.T) {
	h := newHarness(t, Options{}, itemsJob("news", 1, func(context.Context, int) (Outcome, error) {
		return Upserted, nil
	}))
	ctx := context.Background()

	_, err := h.locks.Acquire(ctx, "news", time.Hour, "someone-else")
	require.NoError(t, err)

	res, err := h.runner.Run(ctx, "news", RunOptions{})
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrBusy))

	p, err := h.tracker.Latest(ctx, "news")
	require.NoError(t, err)
	assert.Nil(t, p, "a busy run must not create progress")

	// Force reaps stale work but never steals a live lock.
	_, err = h.runner.Run(ctx, "news", RunOptions{Force: true})
	assert.True(t, errors.Is(err, ErrBusy))
}

func TestRunner_ConcurrentTriggersOneWinner(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, Options{}, itemsJob("status", 1, func(context.Context, int) (Outcome, error) {
		<-release
		return Upserted, nil
	}))
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	var busy, ran atomic.Int32
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.runner.Run(ctx, "status", RunOptions{})
			switch {
			case errors.Is(err, ErrBusy):
				busy.Add(1)
			case err == nil:
				ran.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	require.Eventually(t, func() bool { return busy.Load() == n-1 }, 5*time.Second, 10*time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), ran.Load())
}

func TestRunner_ItemFailureIsIsolated(t *testing.T) {
	h := newHarness(t, Options{Concurrency: 3}, itemsJob("catalog", 5, func(_ context.Context, i int) (Outcome, error) {
		switch i {
		case 2:
			return 0, errors.New("constraint violated")
		case 4:
			return Skipped, nil
		}
		return Upserted, nil
	}))
	ctx := context.Background()

	res, err := h.runner.Run(ctx, "catalog", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SyncCompleted, res.Status)
	assert.Equal(t, int64(5), res.Total)
	assert.Equal(t, int64(3), res.Upserts)
	assert.Equal(t, int64(1), res.Errors)
	assert.Equal(t, int64(1), res.Skipped)

	p, err := h.tracker.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncCompleted, p.Status)
	assert.Equal(t, int64(5), p.CurrentItem)
	assert.Equal(t, int64(3), p.SuccessCount)
	assert.Equal(t, int64(1), p.FailedCount)
	assert.Equal(t, int64(1), p.SkippedCount)
	require.Len(t, p.FailedItems, 1)
	assert.Equal(t, "item-02", p.FailedItems[0].Key)
	assert.Contains(t, p.FailedItems[0].Error, "job catalog run "+res.RunID+" item item-02")
	assert.Contains(t, p.FailedItems[0].Error, "constraint violated")
	assert.NotNil(t, p.CompletedAt)
}

func TestRunner_CancelAll(t *testing.T) {
	started := make(chan struct{}, 1)
	var applied atomic.Int32
	h := newHarness(t, Options{Concurrency: 1}, itemsJob("catalog", 10, func(ctx context.Context, i int) (Outcome, error) {
		if i == 0 {
			started <- struct{}{}
			<-ctx.Done()
			return 0, ctx.Err()
		}
		applied.Add(1)
		return Upserted, nil
	}))
	ctx := context.Background()

	done := make(chan struct{})
	var res *Result
	var err error
	go func() {
		defer close(done)
		res, err = h.runner.Run(ctx, "catalog", RunOptions{})
	}()

	<-started
	assert.Equal(t, 1, h.runner.Active())
	assert.Equal(t, 1, h.runner.CancelAll())
	<-done

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, model.SyncCancelled, res.Status)
	assert.Zero(t, applied.Load())
	assert.Zero(t, h.runner.Active())

	p, err := h.tracker.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncCancelled, p.Status)
	assert.Equal(t, int64(0), p.FailedCount, "an interrupted item is discarded, not failed")

	l, err := h.locks.Holder(ctx, "catalog")
	require.NoError(t, err)
	assert.Nil(t, l, "lock must be released after cancellation")
}

func TestRunner_ForceStopThroughReaper(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, Options{Concurrency: 1}, itemsJob("news", 3, func(ctx context.Context, i int) (Outcome, error) {
		if i == 0 {
			started <- struct{}{}
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return Upserted, nil
	}))
	ctx := context.Background()

	done := make(chan *Result, 1)
	go func() {
		res, _ := h.runner.Run(ctx, "news", RunOptions{})
		done <- res
	}()
	<-started

	rep, err := h.reaper.ForceStop(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.RunsCancelled)
	assert.Equal(t, 1, rep.InProcess)

	res := <-done
	assert.Equal(t, model.SyncCancelled, res.Status)

	p, err := h.tracker.Latest(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, model.SyncCancelled, p.Status)
	assert.Equal(t, reaper.ForceStopMessage, p.ErrorMessage)

	// The job can run again straight away.
	res, err = h.runner.Run(ctx, "news", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SyncCompleted, res.Status)
}

func TestRunner_StoppedByAnotherProcess(t *testing.T) {
	var h *harness
	h = newHarness(t, Options{Concurrency: 1}, itemsJob("status", 5, func(ctx context.Context, i int) (Outcome, error) {
		if i == 1 {
			// Another process force-stops every run.
			_, err := h.store.CancelRunning(ctx, reaper.ForceStopMessage, time.Now())
			assert.NoError(t, err)
		}
		return Upserted, nil
	}))
	ctx := context.Background()

	res, err := h.runner.Run(ctx, "status", RunOptions{})
	require.Error(t, err)
	assert.Equal(t, model.SyncCancelled, res.Status)
	assert.Less(t, res.Upserts, int64(5))

	p, err := h.tracker.Latest(ctx, "status")
	require.NoError(t, err)
	assert.Equal(t, model.SyncCancelled, p.Status)
}

func TestRunner_PlanFailureReleasesLock(t *testing.T) {
	h := newHarness(t, Options{}, func(*harness) Job {
		return &funcJob{name: "catalog", plan: func(context.Context) (*Plan, error) {
			return nil, errors.New("upstream gone")
		}}
	})
	ctx := context.Background()

	res, err := h.runner.Run(ctx, "catalog", RunOptions{})
	require.Error(t, err)
	assert.Equal(t, model.SyncFailed, res.Status)
	assert.Equal(t, fmt.Sprintf("job catalog run %s: plan: upstream gone", res.RunID), res.Error)

	l, err := h.locks.Holder(ctx, "catalog")
	require.NoError(t, err)
	assert.Nil(t, l)

	_, err = h.locks.Acquire(ctx, "catalog", time.Minute, "next")
	require.NoError(t, err)
}

func TestRunner_MinInterval(t *testing.T) {
	var runs atomic.Int32
	h := newHarness(t, Options{MinInterval: time.Hour}, itemsJob("news", 1, func(context.Context, int) (Outcome, error) {
		runs.Add(1)
		return Upserted, nil
	}))
	ctx := context.Background()

	_, err := h.runner.Run(ctx, "news", RunOptions{})
	require.NoError(t, err)

	_, err = h.runner.Run(ctx, "news", RunOptions{})
	assert.True(t, errors.Is(err, ErrTooSoon))

	_, err = h.runner.Run(ctx, "news", RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), runs.Load())
}

func TestRunner_ForceReapsZombie(t *testing.T) {
	h := newHarness(t, Options{}, itemsJob("news", 1, func(context.Context, int) (Outcome, error) {
		return Upserted, nil
	}))
	ctx := context.Background()

	// A crashed run: lock already expired, progress left running long ago.
	zombie := "crashed-run"
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, h.store.CreateProgress(ctx, &model.SyncProgress{
		JobName: "news", RunID: zombie, Status: model.SyncRunning, StartedAt: past, UpdatedAt: past,
	}))
	ok, err := h.store.TryLock(ctx, model.JobLock{
		JobName: "news", AcquiredAt: past, ExpiresAt: past.Add(time.Minute), HolderToken: zombie,
	})
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.runner.Run(ctx, "news", RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, model.SyncCompleted, res.Status)

	p, err := h.tracker.Get(ctx, zombie)
	require.NoError(t, err)
	assert.Equal(t, model.SyncFailed, p.Status)
	assert.Contains(t, p.ErrorMessage, "stale run reclaimed")
}

func TestRunner_PublishesEvents(t *testing.T) {
	h := newHarness(t, Options{}, itemsJob("news", 2, func(context.Context, int) (Outcome, error) {
		return Upserted, nil
	}))
	events, cancel := h.broker.Subscribe("news")
	defer cancel()

	_, err := h.runner.Run(context.Background(), "news", RunOptions{})
	require.NoError(t, err)

	var types []progress.EventType
	for len(types) < 5 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("only got %v", types)
		}
	}
	assert.Equal(t, []progress.EventType{
		progress.EventStarted, progress.EventTotal, progress.EventProgress, progress.EventProgress, progress.EventFinished,
	}, types)
}
