package progress

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// subscriberBuffer is the per-subscriber queue depth. Events beyond it are
// dropped for that subscriber.
const subscriberBuffer = 64

// Broker fans events out to in-process subscribers, keyed by job name.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe returns a channel of events for job ("" for every job) and a
// cancel func that closes it.
func (b *Broker) Subscribe(job string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[job] == nil {
		b.subs[job] = make(map[chan Event]struct{})
	}
	b.subs[job][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[job], ch)
			if len(b.subs[job]) == 0 {
				delete(b.subs, job)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to the job's subscribers and to wildcard subscribers.
func (b *Broker) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{ev.JobName, ""} {
		for ch := range b.subs[key] {
			select {
			case ch <- ev:
			default:
				zap.L().Debug("progress subscriber full, dropping event",
					zap.String("job", ev.JobName),
					zap.String("run_id", ev.RunID),
				)
			}
		}
		if ev.JobName == "" {
			break
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}
