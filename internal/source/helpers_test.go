package source

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/catalogsync/internal/fetcher"
	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/resilience"
)

type memSnapshots struct {
	mu   sync.Mutex
	data map[model.SourceName]*model.SourceSnapshot
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{data: make(map[model.SourceName]*model.SourceSnapshot)}
}

func (m *memSnapshots) GetSnapshot(_ context.Context, src model.SourceName) (*model.SourceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[src]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memSnapshots) SaveSnapshot(_ context.Context, s *model.SourceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.data[s.Source] = &cp
	return nil
}

func testOptions(snaps *memSnapshots) ChainOptions {
	opts := ChainOptions{
		Breakers: resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()),
		Retry: resilience.RetryConfig{
			MaxAttempts:    1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
		Timeout: 5 * time.Second,
	}
	if snaps != nil {
		opts.Snapshots = snaps
	}
	return opts
}

func testFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:   "catalogsync-test",
		Timeout:     5 * time.Second,
		DefaultRate: 1000,
	})
}
