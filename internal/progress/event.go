package progress

import (
	"context"
	"time"

	"github.com/sells-group/catalogsync/internal/model"
)

// EventType classifies a progress event.
type EventType string

const (
	EventStarted  EventType = "started"
	EventTotal    EventType = "total"
	EventProgress EventType = "progress"
	EventFinished EventType = "finished"
)

// Event describes one change to a run's progress.
type Event struct {
	Type    EventType            `json:"type"`
	JobName string               `json:"job_name"`
	RunID   string               `json:"run_id"`
	Status  model.SyncStatus     `json:"status"`
	Total   int64                `json:"total,omitempty"`
	Delta   *model.ProgressDelta `json:"delta,omitempty"`
	Error   string               `json:"error,omitempty"`
	At      time.Time            `json:"at"`
	// Origin identifies the publishing process so relayed events are not
	// delivered twice.
	Origin string `json:"origin,omitempty"`
}

// Notifier delivers progress events to observers. Publish must not block
// on slow observers.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}
