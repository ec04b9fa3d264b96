// Package lock grants at most one live run per job through a persisted lock
// row with a TTL. An expired lock is taken over by the next caller, so a
// crashed holder never blocks a job for longer than its TTL.
package lock

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/store"
)

var (
	// ErrBusy is returned when another holder has a live lock on the job.
	ErrBusy = eris.New("lock: job is busy")
	// ErrNotHolder is returned when releasing a lock the caller does not hold.
	ErrNotHolder = eris.New("lock: not the holder")
)

// Manager acquires and releases job locks.
type Manager struct {
	store store.LockStore
	now   func() time.Time
}

// NewManager creates a Manager over the given lock store.
func NewManager(s store.LockStore) *Manager {
	return &Manager{store: s, now: time.Now}
}

// Acquire takes the lock for job, valid for ttl, on behalf of token.
func (m *Manager) Acquire(ctx context.Context, job string, ttl time.Duration, token string) (*model.JobLock, error) {
	if ttl <= 0 {
		return nil, eris.Errorf("lock: acquire %s: ttl must be positive", job)
	}
	if token == "" {
		return nil, eris.Errorf("lock: acquire %s: empty token", job)
	}

	now := m.now().UTC()
	l := model.JobLock{
		JobName:     job,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
		HolderToken: token,
	}
	ok, err := m.store.TryLock(ctx, l)
	if err != nil {
		return nil, eris.Wrapf(err, "lock: acquire %s", job)
	}
	if !ok {
		return nil, eris.Wrapf(ErrBusy, "job %s", job)
	}

	zap.L().Debug("lock acquired",
		zap.String("job", job),
		zap.String("token", token),
		zap.Time("expires_at", l.ExpiresAt),
	)
	return &l, nil
}

// Release deletes the job's lock if token holds it. A lock held by someone
// else is left untouched and ErrNotHolder is returned.
func (m *Manager) Release(ctx context.Context, job, token string) error {
	ok, err := m.store.Unlock(ctx, job, token)
	if err != nil {
		return eris.Wrapf(err, "lock: release %s", job)
	}
	if !ok {
		return eris.Wrapf(ErrNotHolder, "job %s token %s", job, token)
	}
	zap.L().Debug("lock released", zap.String("job", job), zap.String("token", token))
	return nil
}

// Holder returns the current lock for job, or nil when none exists.
func (m *Manager) Holder(ctx context.Context, job string) (*model.JobLock, error) {
	l, err := m.store.GetLock(ctx, job)
	return l, eris.Wrapf(err, "lock: holder %s", job)
}
