// Package syncjob runs named synchronization jobs under an exclusive lock,
// recording progress as it goes.
package syncjob

import (
	"context"

	"github.com/rotisserie/eris"
)

// Outcome is what happened to one item.
type Outcome int

const (
	// Upserted means the item changed and was written.
	Upserted Outcome = iota
	// Skipped means the stored copy was already current.
	Skipped
)

// RunOptions are the caller's switches for a single run.
type RunOptions struct {
	// Force reaps this job's stale runs first and ignores MinInterval.
	Force bool `json:"force"`
	// AutoSync lets the identity matcher create new mappings. Without it
	// only existing mappings are used.
	AutoSync bool `json:"auto_sync"`
}

// Item is one unit of work. Apply must check ctx before writing.
type Item struct {
	Key   string
	Label string
	Apply func(ctx context.Context) (Outcome, error)
}

// Plan is everything a job will do in one run.
type Plan struct {
	Items []Item
	// Issues counts non-fatal source problems found while planning.
	Issues int
}

// Job is one named synchronization.
type Job interface {
	// Name returns the unique job name used for locks and progress.
	Name() string
	// Plan fetches from the job's sources and returns the items to apply.
	// An error means nothing usable was fetched and the run fails.
	Plan(ctx context.Context, opts RunOptions) (*Plan, error)
}

// ErrUnknownJob is returned for a job name that is not registered.
var ErrUnknownJob = eris.New("syncjob: unknown job")

// Registry maps job names to their implementations.
type Registry struct {
	jobs  map[string]Job
	order []string // insertion order for deterministic iteration
}

// NewRegistry creates a registry holding jobs.
func NewRegistry(jobs ...Job) *Registry {
	r := &Registry{jobs: make(map[string]Job)}
	for _, j := range jobs {
		r.Register(j)
	}
	return r
}

// Register adds a job. A second job with the same name replaces the first.
func (r *Registry) Register(j Job) {
	name := j.Name()
	if _, ok := r.jobs[name]; !ok {
		r.order = append(r.order, name)
	}
	r.jobs[name] = j
}

// Get returns a job by name.
func (r *Registry) Get(name string) (Job, error) {
	j, ok := r.jobs[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownJob, "%q", name)
	}
	return j, nil
}

// Names returns every job name in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
