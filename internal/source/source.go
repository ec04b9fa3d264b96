// Package source adapts each external system to a single contract: fetch
// everything currently published and hand back normalized records.
// Malformed upstream items are dropped and counted as issues; they never
// fail the fetch.
package source

import (
	"context"
	"time"

	"github.com/sells-group/catalogsync/internal/model"
)

// Record is one normalized upstream item. Exactly one of Vehicle and
// Content is set.
type Record struct {
	// Key is the source's own identifier for the item.
	Key  string
	Name string

	Vehicle *model.Payload
	Content *model.ContentRecord
}

// FetchResult is what an adapter returns from one fetch.
type FetchResult struct {
	Source  model.SourceName
	Records []Record
	// Issues counts dropped items and other non-fatal problems.
	Issues int
	// Origin names the fallback step that produced the records.
	Origin string
	// Fallback is set when a later step or a snapshot served the records
	// because the primary step failed.
	Fallback  bool
	FetchedAt time.Time
}

// Adapter fetches from one external source.
type Adapter interface {
	Name() model.SourceName
	Fetch(ctx context.Context) (*FetchResult, error)
}
