// Package schedule triggers jobs on cron specs inside the serve process.
package schedule

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalogsync/internal/syncjob"
)

// Runner runs a named job.
type Runner interface {
	Run(ctx context.Context, name string, opts syncjob.RunOptions) (*syncjob.Result, error)
}

// Scheduler fires jobs on their specs. A tick that finds the job busy is
// skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	opts   syncjob.RunOptions

	mu   sync.Mutex
	ctx  context.Context
	jobs []string
	wg   sync.WaitGroup
}

// New creates a scheduler. specs maps job name to a cron spec such as
// "@every 6h" or "0 0 */6 * * *". Empty specs are ignored. opts applies to
// every scheduled run.
func New(r Runner, specs map[string]string, opts syncjob.RunOptions) (*Scheduler, error) {
	s := &Scheduler{cron: cron.New(), runner: r, opts: opts, ctx: context.Background()}

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := specs[name]
		if spec == "" {
			continue
		}
		if err := s.cron.AddFunc(spec, func() { s.fire(name) }); err != nil {
			return nil, eris.Wrapf(err, "schedule: job %s spec %q", name, spec)
		}
		s.jobs = append(s.jobs, name)
	}
	return s, nil
}

// Jobs returns the scheduled job names.
func (s *Scheduler) Jobs() []string {
	return append([]string(nil), s.jobs...)
}

// Start begins firing. Runs use ctx, so cancelling it stops them.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	zap.L().Info("scheduler started", zap.Strings("jobs", s.jobs))
}

// Stop stops firing and waits for runs in flight.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.wg.Wait()
}

func (s *Scheduler) fire(name string) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	log := zap.L().With(zap.String("component", "schedule"), zap.String("job", name))
	res, err := s.runner.Run(ctx, name, s.opts)
	switch {
	case errors.Is(err, syncjob.ErrBusy), errors.Is(err, syncjob.ErrTooSoon):
		log.Info("scheduled run skipped", zap.Error(err))
	case err != nil:
		log.Error("scheduled run failed", zap.Error(err))
	default:
		log.Info("scheduled run complete",
			zap.String("run_id", res.RunID),
			zap.Int64("upserts", res.Upserts),
			zap.Int64("skipped", res.Skipped),
		)
	}
}
