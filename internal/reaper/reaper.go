// Package reaper reclaims work left behind by crashed or stuck runs.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/store"
)

// ForceStopMessage is recorded on runs cancelled by ForceStop.
const ForceStopMessage = "force-stopped by operator"

// Canceller stops in-process runs. The job runner implements it.
type Canceller interface {
	CancelAll() int
}

// Store is the persistence the reaper needs.
type Store interface {
	store.LockStore
	store.ProgressStore
}

// Report summarizes one reaper pass.
type Report struct {
	RunsReclaimed  int      `json:"runs_reclaimed"`
	LocksReclaimed int64    `json:"locks_reclaimed"`
	RunsCancelled  int64    `json:"runs_cancelled,omitempty"`
	LocksDeleted   int64    `json:"locks_deleted,omitempty"`
	InProcess      int      `json:"in_process_cancelled,omitempty"`
	RunIDs         []string `json:"run_ids,omitempty"`
}

// Reaper fails stale runs and deletes abandoned locks.
type Reaper struct {
	store      Store
	staleAfter time.Duration
	canceller  Canceller
	now        func() time.Time
}

// New creates a Reaper. Runs with no progress for staleAfter are reclaimed.
func New(s Store, staleAfter time.Duration) *Reaper {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Reaper{store: s, staleAfter: staleAfter, now: time.Now}
}

// SetCanceller wires the in-process runner so ForceStop can stop its runs.
func (r *Reaper) SetCanceller(c Canceller) { r.canceller = c }

// Cleanup reclaims stale runs and expired locks across every job.
// Running it twice in a row changes nothing the second time.
func (r *Reaper) Cleanup(ctx context.Context) (Report, error) {
	return r.reap(ctx, "")
}

// ReapJob is Cleanup restricted to one job's runs. Expired locks of every
// job are still deleted.
func (r *Reaper) ReapJob(ctx context.Context, job string) (Report, error) {
	return r.reap(ctx, job)
}

func (r *Reaper) reap(ctx context.Context, job string) (Report, error) {
	var rep Report
	now := r.now().UTC()
	log := zap.L().With(zap.String("component", "reaper"))

	stale, err := r.store.ListStaleRuns(ctx, job, now.Add(-r.staleAfter))
	if err != nil {
		return rep, eris.Wrap(err, "reaper: list stale runs")
	}

	for _, p := range stale {
		msg := fmt.Sprintf("stale run reclaimed by cleanup (no progress since %s)", p.UpdatedAt.UTC().Format(time.RFC3339))
		err := r.store.FinishProgress(ctx, p.RunID, model.SyncFailed, msg, now)
		if errors.Is(err, store.ErrNotRunning) {
			// Finished between list and update.
			continue
		}
		if err != nil {
			return rep, eris.Wrapf(err, "reaper: fail run %s", p.RunID)
		}
		rep.RunsReclaimed++
		rep.RunIDs = append(rep.RunIDs, p.RunID)

		released, err := r.store.Unlock(ctx, p.JobName, p.RunID)
		if err != nil {
			return rep, eris.Wrapf(err, "reaper: release lock of run %s", p.RunID)
		}
		if released {
			rep.LocksReclaimed++
		}
		log.Warn("reclaimed stale run",
			zap.String("job", p.JobName),
			zap.String("run_id", p.RunID),
			zap.Time("last_update", p.UpdatedAt),
			zap.Bool("lock_released", released),
		)
	}

	n, err := r.store.DeleteExpiredLocks(ctx, now)
	if err != nil {
		return rep, eris.Wrap(err, "reaper: delete expired locks")
	}
	rep.LocksReclaimed += n

	if rep.RunsReclaimed > 0 || rep.LocksReclaimed > 0 {
		log.Info("cleanup complete",
			zap.String("job", job),
			zap.Int("runs_reclaimed", rep.RunsReclaimed),
			zap.Int64("locks_reclaimed", rep.LocksReclaimed),
		)
	}
	return rep, nil
}

// ForceStop cancels every running run, deletes every lock and cancels
// in-process runs.
func (r *Reaper) ForceStop(ctx context.Context) (Report, error) {
	var rep Report
	now := r.now().UTC()

	n, err := r.store.CancelRunning(ctx, ForceStopMessage, now)
	if err != nil {
		return rep, eris.Wrap(err, "reaper: cancel running")
	}
	rep.RunsCancelled = n

	n, err = r.store.DeleteAllLocks(ctx)
	if err != nil {
		return rep, eris.Wrap(err, "reaper: delete all locks")
	}
	rep.LocksDeleted = n

	// Rows first, so in-process runs find their progress already final.
	if r.canceller != nil {
		rep.InProcess = r.canceller.CancelAll()
	}

	zap.L().Warn("force-stop",
		zap.Int64("runs_cancelled", rep.RunsCancelled),
		zap.Int64("locks_deleted", rep.LocksDeleted),
		zap.Int("in_process_cancelled", rep.InProcess),
	)
	return rep, nil
}
