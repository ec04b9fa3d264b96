package model

import "time"

// ContentKind distinguishes news items from service status entries.
type ContentKind string

const (
	ContentNews   ContentKind = "news"
	ContentStatus ContentKind = "status"
)

// ContentRecord is a news or status item. Key is the upstream identity
// (GUID, incident id or URL); Hash fingerprints the non-volatile fields.
type ContentRecord struct {
	Key         string      `json:"key"`
	Hash        string      `json:"hash"`
	Kind        ContentKind `json:"kind"`
	Category    string      `json:"category,omitempty"`
	Title       string      `json:"title"`
	Summary     string      `json:"summary,omitempty"`
	Body        string      `json:"body,omitempty"`
	PublishedAt time.Time   `json:"published_at"`
	SourceURL   string      `json:"source_url,omitempty"`
	ImageURL    string      `json:"image_url,omitempty"`
	FetchedAt   time.Time   `json:"fetched_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SourceSnapshot is the last good raw response captured from an adapter.
type SourceSnapshot struct {
	Source    SourceName `json:"source"`
	Data      []byte     `json:"data"`
	FetchedAt time.Time  `json:"fetched_at"`
}
