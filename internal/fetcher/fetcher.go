// Package fetcher is the HTTP transport shared by every source adapter.
package fetcher

import (
	"context"
	"net/http"
)

// Fetcher issues single upstream requests and returns response bodies.
// Retries and circuit breaking are layered on top by the caller.
type Fetcher interface {
	// Get fetches rawURL with optional extra headers.
	Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error)
	// PostJSON posts body encoded as JSON and returns the response body.
	PostJSON(ctx context.Context, rawURL string, body any) ([]byte, error)
}
