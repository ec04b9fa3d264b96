package model

import "time"

// SyncStatus is the lifecycle state of a sync run.
type SyncStatus string

const (
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
	SyncCancelled SyncStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s SyncStatus) Terminal() bool {
	return s == SyncCompleted || s == SyncFailed || s == SyncCancelled
}

// JobLock is the persisted exclusive slot for one job name.
type JobLock struct {
	JobName     string    `json:"job_name"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HolderToken string    `json:"holder_token"`
}

// Expired reports whether the lock is abandoned as of now.
func (l *JobLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// FailedItem records one item that failed during a run.
type FailedItem struct {
	Key      string    `json:"key"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// SyncProgress is the persisted, incrementally updated state of a run.
type SyncProgress struct {
	JobName      string       `json:"job_name"`
	RunID        string       `json:"run_id"`
	Status       SyncStatus   `json:"status"`
	CurrentItem  int64        `json:"current_item"`
	CurrentLabel string       `json:"current_label,omitempty"`
	TotalItems   int64        `json:"total_items"`
	SuccessCount int64        `json:"success_count"`
	FailedCount  int64        `json:"failed_count"`
	SkippedCount int64        `json:"skipped_count"`
	Issues       int64        `json:"issues"`
	StartedAt    time.Time    `json:"started_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	FailedItems  []FailedItem `json:"failed_items,omitempty"`
}

// ProgressDelta is an additive change to a running SyncProgress. Counters
// are increments; they are never subtracted.
type ProgressDelta struct {
	Processed  int64       `json:"processed,omitempty"`
	Success    int64       `json:"success,omitempty"`
	Failed     int64       `json:"failed,omitempty"`
	Skipped    int64       `json:"skipped,omitempty"`
	Issues     int64       `json:"issues,omitempty"`
	Label      string      `json:"label,omitempty"`
	FailedItem *FailedItem `json:"failed_item,omitempty"`
}
