// Package progress records run progress durably and notifies observers.
//
// Every counter change is a single increment statement guarded by the run
// still being in the running state, so concurrent item workers never lose
// updates and a run that was stopped elsewhere learns about it on its next
// write.
package progress

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/store"
)

// ErrAlreadyFinished is returned when finishing a run twice.
var ErrAlreadyFinished = eris.New("progress: run already finished")

// ErrNotRunning reports a write against a run that is no longer running.
var ErrNotRunning = store.ErrNotRunning

// Run is a handle on one in-flight run.
type Run struct {
	JobName   string
	RunID     string
	StartedAt time.Time
	finished  atomic.Bool
}

// Finished reports whether Finish has been called on this handle.
func (r *Run) Finished() bool { return r.finished.Load() }

// Tracker writes SyncProgress rows and publishes events.
type Tracker struct {
	store     store.ProgressStore
	notifiers []Notifier
	now       func() time.Time
}

// NewTracker creates a Tracker. Events go to every notifier.
func NewTracker(s store.ProgressStore, notifiers ...Notifier) *Tracker {
	return &Tracker{store: s, notifiers: notifiers, now: time.Now}
}

// Start creates the progress row for a new run.
func (t *Tracker) Start(ctx context.Context, job, runID string) (*Run, error) {
	now := t.now().UTC()
	p := &model.SyncProgress{
		JobName:   job,
		RunID:     runID,
		Status:    model.SyncRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := t.store.CreateProgress(ctx, p); err != nil {
		return nil, eris.Wrapf(err, "progress: start job %s run %s", job, runID)
	}
	r := &Run{JobName: job, RunID: runID, StartedAt: now}
	t.publish(ctx, Event{Type: EventStarted, JobName: job, RunID: runID, Status: model.SyncRunning, At: now})
	return r, nil
}

// SetTotal records the planned item count and adapter issues. The stored
// total never shrinks.
func (t *Tracker) SetTotal(ctx context.Context, r *Run, total, issues int64) error {
	now := t.now().UTC()
	if err := t.store.SetProgressTotal(ctx, r.RunID, max(total, 0), max(issues, 0), now); err != nil {
		return eris.Wrapf(err, "progress: set total run %s", r.RunID)
	}
	t.publish(ctx, Event{Type: EventTotal, JobName: r.JobName, RunID: r.RunID, Status: model.SyncRunning, Total: total, At: now})
	return nil
}

// Update applies an additive delta. Negative counters are clamped to zero
// so persisted counters never decrease.
func (t *Tracker) Update(ctx context.Context, r *Run, d model.ProgressDelta) error {
	if r.Finished() {
		return eris.Wrapf(ErrNotRunning, "run %s", r.RunID)
	}
	d.Processed = max(d.Processed, 0)
	d.Success = max(d.Success, 0)
	d.Failed = max(d.Failed, 0)
	d.Skipped = max(d.Skipped, 0)
	d.Issues = max(d.Issues, 0)

	now := t.now().UTC()
	if d.FailedItem != nil && d.FailedItem.FailedAt.IsZero() {
		d.FailedItem.FailedAt = now
	}
	if err := t.store.ApplyProgress(ctx, r.RunID, d, now); err != nil {
		return eris.Wrapf(err, "progress: update run %s", r.RunID)
	}
	t.publish(ctx, Event{Type: EventProgress, JobName: r.JobName, RunID: r.RunID, Status: model.SyncRunning, Delta: &d, At: now})
	return nil
}

// Finish moves the run to a terminal status exactly once. A second call, or
// a run already finished by another process, returns ErrAlreadyFinished.
func (t *Tracker) Finish(ctx context.Context, r *Run, status model.SyncStatus, errMsg string) error {
	if !status.Terminal() {
		return eris.Errorf("progress: finish run %s: %q is not terminal", r.RunID, status)
	}
	if !r.finished.CompareAndSwap(false, true) {
		return eris.Wrapf(ErrAlreadyFinished, "run %s", r.RunID)
	}

	now := t.now().UTC()
	err := t.store.FinishProgress(ctx, r.RunID, status, errMsg, now)
	if errors.Is(err, store.ErrNotRunning) {
		return eris.Wrapf(ErrAlreadyFinished, "run %s finished elsewhere", r.RunID)
	}
	if err != nil {
		return eris.Wrapf(err, "progress: finish run %s", r.RunID)
	}
	t.publish(ctx, Event{Type: EventFinished, JobName: r.JobName, RunID: r.RunID, Status: status, Error: errMsg, At: now})
	return nil
}

// Latest returns the most recent run of job, or nil if it never ran.
func (t *Tracker) Latest(ctx context.Context, job string) (*model.SyncProgress, error) {
	p, err := t.store.LatestProgress(ctx, job)
	return p, eris.Wrapf(err, "progress: latest %s", job)
}

// Get returns the progress of a single run, or nil if unknown.
func (t *Tracker) Get(ctx context.Context, runID string) (*model.SyncProgress, error) {
	p, err := t.store.GetProgress(ctx, runID)
	return p, eris.Wrapf(err, "progress: get %s", runID)
}

// Subscribe returns live events for job from the first Broker among the
// tracker's notifiers. ok is false when no Broker is configured.
func (t *Tracker) Subscribe(job string) (events <-chan Event, cancel func(), ok bool) {
	for _, n := range t.notifiers {
		if b, isBroker := n.(*Broker); isBroker {
			events, cancel = b.Subscribe(job)
			return events, cancel, true
		}
	}
	return nil, func() {}, false
}

// publish never fails the caller; notification is best effort.
func (t *Tracker) publish(ctx context.Context, ev Event) {
	for _, n := range t.notifiers {
		if err := n.Publish(ctx, ev); err != nil {
			zap.L().Warn("progress notify failed",
				zap.String("job", ev.JobName),
				zap.String("run_id", ev.RunID),
				zap.Error(err),
			)
		}
	}
}
