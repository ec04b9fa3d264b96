package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalogsync/internal/syncjob"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls map[string]int
	opts  []syncjob.RunOptions
}

func (f *fakeRunner) Run(_ context.Context, name string, opts syncjob.RunOptions) (*syncjob.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
	f.opts = append(f.opts, opts)
	if name == "busy" {
		return nil, syncjob.ErrBusy
	}
	return &syncjob.Result{JobName: name, RunID: "r"}, nil
}

func (f *fakeRunner) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func TestNew_InvalidSpec(t *testing.T) {
	_, err := New(&fakeRunner{}, map[string]string{"news": "every so often"}, syncjob.RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "news")
}

func TestNew_SkipsEmptySpecs(t *testing.T) {
	s, err := New(&fakeRunner{}, map[string]string{
		"status":  "@every 5m",
		"catalog": "@every 6h",
		"news":    "",
	}, syncjob.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"catalog", "status"}, s.Jobs())
}

func TestScheduler_Fires(t *testing.T) {
	r := &fakeRunner{}
	s, err := New(r, map[string]string{"news": "@every 1s", "busy": "@every 1s"}, syncjob.RunOptions{AutoSync: true})
	require.NoError(t, err)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return r.count("news") > 0 && r.count("busy") > 0 }, 5*time.Second, 50*time.Millisecond)
	s.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.True(t, r.opts[0].AutoSync)
}

func TestScheduler_CancelledContextSkips(t *testing.T) {
	r := &fakeRunner{}
	s, err := New(r, map[string]string{"news": "@every 1s"}, syncjob.RunOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)
	s.fire("news")
	s.Stop()
	assert.Zero(t, r.count("news"))
}
