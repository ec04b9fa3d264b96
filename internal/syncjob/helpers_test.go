package syncjob

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalogsync/internal/identity"
	"github.com/sells-group/catalogsync/internal/lock"
	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/progress"
	"github.com/sells-group/catalogsync/internal/reaper"
	"github.com/sells-group/catalogsync/internal/source"
	"github.com/sells-group/catalogsync/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

type fakeAdapter struct {
	name model.SourceName

	mu       sync.Mutex
	recs     []source.Record
	err      error
	fallback bool
	calls    int
}

func (f *fakeAdapter) Name() model.SourceName { return f.name }

func (f *fakeAdapter) Fetch(ctx context.Context) (*source.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	recs := make([]source.Record, len(f.recs))
	copy(recs, f.recs)
	return &source.FetchResult{Source: f.name, Records: recs, Origin: "fake", Fallback: f.fallback, FetchedAt: time.Now().UTC()}, nil
}

func (f *fakeAdapter) set(err error, recs ...source.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.recs = recs
	f.fallback = false
}

// setFallback is set for records served by a non-primary step.
func (f *fakeAdapter) setFallback(recs ...source.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = nil
	f.recs = recs
	f.fallback = true
}

func vehicle(key, name string, rank int, guns ...string) source.Record {
	p := &model.Payload{
		General: &model.General{Nation: "ussr", Rank: rank},
		Media:   &model.Media{ImageURL: "https://cdn.example/" + key + ".png"},
	}
	if len(guns) > 0 {
		p.Armament = &model.Armament{}
		for _, g := range guns {
			p.Armament.Weapons = append(p.Armament.Weapons, model.Weapon{Name: g})
		}
	}
	return source.Record{Key: key, Name: name, Vehicle: p}
}

// funcJob is a job whose plan is supplied by the test.
type funcJob struct {
	name string
	plan func(ctx context.Context) (*Plan, error)
}

func (j *funcJob) Name() string { return j.name }

func (j *funcJob) Plan(ctx context.Context, _ RunOptions) (*Plan, error) { return j.plan(ctx) }

type harness struct {
	store   store.Store
	runner  *Runner
	tracker *progress.Tracker
	locks   *lock.Manager
	reaper  *reaper.Reaper
	mapper  *identity.Mapper
	broker  *progress.Broker
}

func newHarness(t *testing.T, opts Options, jobs ...func(h *harness) Job) *harness {
	t.Helper()
	s := newTestStore(t)
	h := &harness{
		store:  s,
		locks:  lock.NewManager(s),
		reaper: reaper.New(s, time.Minute),
		mapper: identity.NewMapper(s, identity.DefaultOptions()),
		broker: progress.NewBroker(),
	}
	h.tracker = progress.NewTracker(s, h.broker)

	reg := NewRegistry()
	for _, mk := range jobs {
		reg.Register(mk(h))
	}
	h.runner = NewRunner(reg, s, h.locks, h.tracker, h.reaper, opts)
	h.reaper.SetCanceller(h.runner)
	return h
}
