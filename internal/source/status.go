package source

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/catalogsync/internal/fetcher"
	"github.com/sells-group/catalogsync/internal/model"
)

// StatusAdapter reads the service status feed:
// {"incidents":[{"id","title","status","impact","body","created_at","url"}]}.
type StatusAdapter struct {
	feedURL string
	f       fetcher.Fetcher
	chain   *Chain
}

// NewStatusAdapter creates the status adapter.
func NewStatusAdapter(feedURL string, f fetcher.Fetcher, opts ChainOptions) *StatusAdapter {
	a := &StatusAdapter{feedURL: feedURL, f: f}
	a.chain = NewChain(model.SourceStatus, opts, Step{
		Name: "feed",
		Fetch: func(ctx context.Context) ([]byte, error) {
			raw, err := a.f.Get(ctx, a.feedURL, nil)
			return raw, eris.Wrap(err, "status: feed")
		},
		Parse: parseStatus,
	})
	return a
}

// Name implements Adapter.
func (a *StatusAdapter) Name() model.SourceName { return model.SourceStatus }

// Fetch implements Adapter.
func (a *StatusAdapter) Fetch(ctx context.Context) (*FetchResult, error) {
	return a.chain.Fetch(ctx)
}

func parseStatus(raw []byte) ([]Record, int, error) {
	if !gjson.ValidBytes(raw) {
		return nil, 0, eris.New("status: invalid JSON")
	}
	items := gjson.GetBytes(raw, "incidents")
	if !items.IsArray() {
		return nil, 0, eris.New("status: response has no incidents array")
	}

	var (
		recs   []Record
		issues int
		seen   = make(map[string]bool)
	)
	for _, it := range items.Array() {
		id := it.Get("id").String()
		title := strings.TrimSpace(it.Get("title").String())
		created, err := parseTime(it.Get("created_at").String())
		if id == "" || title == "" || err != nil || seen[id] {
			issues++
			continue
		}
		seen[id] = true

		rec := &model.ContentRecord{
			Key:         "status:" + id,
			Kind:        model.ContentStatus,
			Category:    it.Get("impact").String(),
			Title:       title,
			Summary:     it.Get("status").String(),
			Body:        it.Get("body").String(),
			PublishedAt: created,
			SourceURL:   it.Get("url").String(),
		}
		recs = append(recs, Record{Key: rec.Key, Name: title, Content: rec})
	}
	return recs, issues, nil
}
