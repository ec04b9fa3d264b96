package syncjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalogsync/internal/lock"
	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/progress"
	"github.com/sells-group/catalogsync/internal/reaper"
	"github.com/sells-group/catalogsync/internal/store"
)

var (
	// ErrBusy is returned when another run holds the job's lock. It is a
	// skip, not a failure: no progress row is created.
	ErrBusy = lock.ErrBusy
	// ErrTooSoon is returned when the job completed within its minimum
	// interval and the run was not forced.
	ErrTooSoon = eris.New("syncjob: job ran too recently")
	// ErrCancelled is returned when a run was force-stopped.
	ErrCancelled = eris.New("syncjob: run cancelled")
	// ErrLockExpired is the cancellation cause when a run outlives its lock.
	ErrLockExpired = eris.New("syncjob: lock ttl exceeded")
)

// state is a step of the runner's state machine.
type state string

const (
	stateIdle       state = "idle"
	stateLocking    state = "locking"
	stateRunning    state = "running"
	stateCompleting state = "completing"
	stateFailing    state = "failing"
	stateCancelling state = "cancelling"
)

// Options configures the runner.
type Options struct {
	// LockTTL bounds a run; the run's context expires with the lock.
	LockTTL time.Duration
	// Concurrency caps items applied at once.
	Concurrency int
	// MinInterval skips unforced runs that follow a completed run too
	// closely. Zero disables the check.
	MinInterval time.Duration
}

// DefaultOptions returns the runner defaults.
func DefaultOptions() Options {
	return Options{LockTTL: time.Hour, Concurrency: 4}
}

// Store is the persistence the runner needs directly.
type Store interface {
	Ping(ctx context.Context) error
	LastCompleted(ctx context.Context, jobName string) (*time.Time, error)
}

// Result summarizes one run.
type Result struct {
	JobName string           `json:"job_name"`
	RunID   string           `json:"run_id"`
	Status  model.SyncStatus `json:"status"`
	Total   int64            `json:"total"`
	Upserts int64            `json:"upserts"`
	Errors  int64            `json:"errors"`
	Skipped int64            `json:"skipped"`
	Issues  int64            `json:"issues"`
	Error   string           `json:"error,omitempty"`
}

// Runner executes jobs one run at a time per job name.
type Runner struct {
	reg     *Registry
	store   Store
	locks   *lock.Manager
	tracker *progress.Tracker
	reaper  *reaper.Reaper
	opts    Options
	newID   func() string
	now     func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc // run id -> cancel
}

// NewRunner wires a runner. The reaper is used by forced runs.
func NewRunner(reg *Registry, s Store, locks *lock.Manager, tracker *progress.Tracker, rp *reaper.Reaper, opts Options) *Runner {
	def := DefaultOptions()
	if opts.LockTTL <= 0 {
		opts.LockTTL = def.LockTTL
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	return &Runner{
		reg:     reg,
		store:   s,
		locks:   locks,
		tracker: tracker,
		reaper:  rp,
		opts:    opts,
		newID:   uuid.NewString,
		now:     time.Now,
		active:  make(map[string]context.CancelCauseFunc),
	}
}

// Registry returns the runner's jobs.
func (r *Runner) Registry() *Registry { return r.reg }

// CancelAll stops every run in this process and reports how many there
// were. Cancelled runs still release their locks and finish their progress.
func (r *Runner) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.active {
		cancel(ErrCancelled)
	}
	return len(r.active)
}

// Active reports how many runs are in flight in this process.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Run executes one run of the named job. A busy or too-recent job returns
// ErrBusy or ErrTooSoon with a nil result. A run that started always
// returns a result; err is non-nil when it failed or was cancelled.
func (r *Runner) Run(ctx context.Context, name string, opts RunOptions) (*Result, error) {
	job, err := r.reg.Get(name)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "syncjob"), zap.String("job", name))
	transition(log, stateIdle, stateLocking)

	if opts.Force {
		if r.reaper != nil {
			if rep, err := r.reaper.ReapJob(ctx, name); err != nil {
				log.Warn("force: reap failed", zap.Error(err))
			} else if rep.RunsReclaimed > 0 || rep.LocksReclaimed > 0 {
				log.Info("force: reclaimed stale work",
					zap.Int("runs", rep.RunsReclaimed),
					zap.Int64("locks", rep.LocksReclaimed),
				)
			}
		}
	} else if r.opts.MinInterval > 0 {
		last, err := r.store.LastCompleted(ctx, name)
		if err != nil {
			transition(log, stateLocking, stateIdle)
			return nil, eris.Wrapf(err, "job %s: last completed", name)
		}
		if last != nil && r.now().Sub(*last) < r.opts.MinInterval {
			log.Info("skipping, ran recently", zap.Time("last_completed", *last))
			transition(log, stateLocking, stateIdle)
			return nil, eris.Wrapf(ErrTooSoon, "job %s last completed %s", name, last.Format(time.RFC3339))
		}
	}

	runID := r.newID()
	lk, err := r.locks.Acquire(ctx, name, r.opts.LockTTL, runID)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			log.Info("skipping, job is busy")
		}
		transition(log, stateLocking, stateIdle)
		return nil, err
	}

	log = log.With(zap.String("run_id", runID))
	defer r.release(ctx, log, name, runID)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, stop := context.WithDeadlineCause(runCtx, lk.ExpiresAt, ErrLockExpired)
	defer stop()
	r.track(runID, cancel)
	defer r.untrack(runID)

	run, err := r.tracker.Start(ctx, name, runID)
	if err != nil {
		transition(log, stateLocking, stateIdle)
		return nil, eris.Wrapf(err, "job %s run %s", name, runID)
	}
	transition(log, stateLocking, stateRunning)

	res := &Result{JobName: name, RunID: runID}
	start := time.Now()
	runErr := r.execute(runCtx, log, job, run, opts, res)
	return r.finish(ctx, runCtx, log, run, res, runErr, time.Since(start))
}

// execute plans the job and applies every item with bounded concurrency.
func (r *Runner) execute(ctx context.Context, log *zap.Logger, job Job, run *progress.Run, opts RunOptions, res *Result) error {
	if err := r.store.Ping(ctx); err != nil {
		return eris.Wrap(err, "store unreachable")
	}

	plan, err := job.Plan(ctx, opts)
	if err != nil {
		return eris.Wrap(err, "plan")
	}
	res.Total = int64(len(plan.Items))
	res.Issues = int64(plan.Issues)
	if err := r.tracker.SetTotal(ctx, run, res.Total, res.Issues); err != nil {
		return err
	}
	log.Info("plan ready", zap.Int64("items", res.Total), zap.Int64("issues", res.Issues))

	var upserts, failed, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for _, it := range plan.Items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			outcome, err := it.Apply(gctx)
			if gctx.Err() != nil {
				// Stopped mid-item: whatever came back is discarded.
				return nil
			}

			d := model.ProgressDelta{Processed: 1, Label: it.Label}
			switch {
			case err != nil:
				failed.Add(1)
				d.Failed = 1
				d.FailedItem = &model.FailedItem{
					Key:   it.Key,
					Error: fmt.Sprintf("job %s run %s item %s: %v", run.JobName, run.RunID, it.Key, err),
				}
				log.Warn("item failed", zap.String("item", it.Key), zap.Error(err))
			case outcome == Skipped:
				skipped.Add(1)
				d.Skipped = 1
			default:
				upserts.Add(1)
				d.Success = 1
			}

			if err := r.tracker.Update(gctx, run, d); err != nil {
				if errors.Is(err, progress.ErrNotRunning) {
					return eris.Wrap(ErrCancelled, "stopped by another process")
				}
				if gctx.Err() == nil {
					log.Warn("progress update failed", zap.String("item", it.Key), zap.Error(err))
				}
			}
			return nil
		})
	}

	werr := g.Wait()
	res.Upserts = upserts.Load()
	res.Errors = failed.Load()
	res.Skipped = skipped.Load()
	if werr != nil {
		return werr
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// finish records the terminal status using a context that survives
// cancellation of the run.
func (r *Runner) finish(parent, runCtx context.Context, log *zap.Logger, run *progress.Run, res *Result, runErr error, elapsed time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer cancel()

	var msg string
	var final state
	switch {
	case runErr == nil:
		final = stateCompleting
		res.Status = model.SyncCompleted
	case errors.Is(runErr, ErrCancelled) || errors.Is(runErr, context.Canceled):
		final = stateCancelling
		res.Status = model.SyncCancelled
		msg = fmt.Sprintf("job %s run %s: %s", run.JobName, run.RunID, reaper.ForceStopMessage)
		if !errors.Is(context.Cause(runCtx), ErrCancelled) && !errors.Is(runErr, ErrCancelled) {
			msg = fmt.Sprintf("job %s run %s: cancelled: %v", run.JobName, run.RunID, runErr)
		}
		runErr = eris.Wrapf(ErrCancelled, "job %s run %s", run.JobName, run.RunID)
	default:
		final = stateFailing
		res.Status = model.SyncFailed
		msg = fmt.Sprintf("job %s run %s: %v", run.JobName, run.RunID, runErr)
		runErr = eris.New(msg)
	}
	res.Error = msg
	transition(log, stateRunning, final)

	if err := r.tracker.Finish(ctx, run, res.Status, msg); err != nil {
		if errors.Is(err, progress.ErrAlreadyFinished) {
			log.Info("run was finished elsewhere", zap.Error(err))
		} else {
			log.Error("failed to record run finish", zap.Error(err))
		}
	}

	log.Info("run finished",
		zap.String("status", string(res.Status)),
		zap.Int64("total", res.Total),
		zap.Int64("upserts", res.Upserts),
		zap.Int64("skipped", res.Skipped),
		zap.Int64("errors", res.Errors),
		zap.Int64("issues", res.Issues),
		zap.Duration("elapsed", elapsed),
	)
	transition(log, final, stateIdle)
	if res.Status == model.SyncCompleted {
		return res, nil
	}
	return res, runErr
}

// release frees the lock on every exit path, even after cancellation.
func (r *Runner) release(parent context.Context, log *zap.Logger, job, runID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer cancel()
	if err := r.locks.Release(ctx, job, runID); err != nil {
		// ErrNotHolder after a force-stop or takeover is expected.
		log.Warn("lock release", zap.Error(err))
	}
}

func (r *Runner) track(runID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	r.active[runID] = cancel
	r.mu.Unlock()
}

func (r *Runner) untrack(runID string) {
	r.mu.Lock()
	delete(r.active, runID)
	r.mu.Unlock()
}

func transition(log *zap.Logger, from, to state) {
	log.Debug("state", zap.String("from", string(from)), zap.String("to", string(to)))
}

var (
	_ reaper.Canceller = (*Runner)(nil)
	_ Store            = (store.Store)(nil)
)
