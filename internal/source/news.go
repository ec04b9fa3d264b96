package source

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/catalogsync/internal/fetcher"
	"github.com/sells-group/catalogsync/internal/model"
)

const newsQuery = `query LatestNews($limit: Int!) {
  news(limit: $limit) { id title category summary body publishedAt url image }
}`

// NewsAdapter reads the news feed through GraphQL and falls back to RSS.
type NewsAdapter struct {
	graphqlURL string
	rssURL     string
	limit      int
	f          fetcher.Fetcher
	chain      *Chain
}

// NewNewsAdapter creates the news adapter. Either URL may be empty, which
// removes that step from the chain.
func NewNewsAdapter(graphqlURL, rssURL string, f fetcher.Fetcher, opts ChainOptions) *NewsAdapter {
	a := &NewsAdapter{graphqlURL: graphqlURL, rssURL: rssURL, limit: 50, f: f}

	var steps []Step
	if graphqlURL != "" {
		steps = append(steps, Step{Name: "graphql", Fetch: a.fetchGraphQL, Parse: parseNewsGraphQL})
	}
	if rssURL != "" {
		steps = append(steps, Step{Name: "rss", Fetch: a.fetchRSS, Parse: parseRSS})
	}
	a.chain = NewChain(model.SourceNews, opts, steps...)
	return a
}

// Name implements Adapter.
func (a *NewsAdapter) Name() model.SourceName { return model.SourceNews }

// Fetch implements Adapter.
func (a *NewsAdapter) Fetch(ctx context.Context) (*FetchResult, error) {
	return a.chain.Fetch(ctx)
}

func (a *NewsAdapter) fetchGraphQL(ctx context.Context) ([]byte, error) {
	body := map[string]any{
		"query":     newsQuery,
		"variables": map[string]any{"limit": a.limit},
	}
	raw, err := a.f.PostJSON(ctx, a.graphqlURL, body)
	if err != nil {
		return nil, eris.Wrap(err, "news: graphql")
	}
	return raw, nil
}

func (a *NewsAdapter) fetchRSS(ctx context.Context) ([]byte, error) {
	raw, err := a.f.Get(ctx, a.rssURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "news: rss")
	}
	return raw, nil
}

func parseNewsGraphQL(raw []byte) ([]Record, int, error) {
	if !gjson.ValidBytes(raw) {
		return nil, 0, eris.New("news: invalid JSON")
	}
	doc := gjson.ParseBytes(raw)
	items := doc.Get("data.news")
	if !items.IsArray() {
		if msg := doc.Get("errors.0.message").String(); msg != "" {
			return nil, 0, eris.Errorf("news: graphql: %s", msg)
		}
		return nil, 0, eris.New("news: response has no data.news array")
	}

	var (
		recs   []Record
		issues int
		seen   = make(map[string]bool)
	)
	for _, it := range items.Array() {
		link := it.Get("url").String()
		key := articleKey(link, it.Get("id").String())
		title := strings.TrimSpace(it.Get("title").String())
		published, err := parseTime(it.Get("publishedAt").String())
		if key == "" || title == "" || err != nil || seen[key] {
			issues++
			continue
		}
		seen[key] = true

		rec := &model.ContentRecord{
			Key:         key,
			Kind:        model.ContentNews,
			Category:    it.Get("category").String(),
			Title:       title,
			Summary:     it.Get("summary").String(),
			Body:        it.Get("body").String(),
			PublishedAt: published,
			SourceURL:   link,
			ImageURL:    it.Get("image").String(),
		}
		recs = append(recs, Record{Key: rec.Key, Name: title, Content: rec})
	}
	return recs, issues, nil
}

type rssItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	GUID        string   `xml:"guid"`
	Description string   `xml:"description"`
	PubDate     string   `xml:"pubDate"`
	Category    []string `xml:"category"`
	Enclosure   struct {
		URL string `xml:"url,attr"`
	} `xml:"enclosure"`
}

func parseRSS(raw []byte) ([]Record, int, error) {
	items, err := fetcher.DecodeXMLElements[rssItem](raw, "item")
	if err != nil {
		return nil, 0, eris.Wrap(err, "news: rss")
	}

	var (
		recs   []Record
		issues int
		seen   = make(map[string]bool)
	)
	for _, it := range items {
		key := articleKey(it.Link, it.GUID)
		title := strings.TrimSpace(it.Title)
		published, err := parseTime(it.PubDate)
		if key == "" || title == "" || err != nil || seen[key] {
			issues++
			continue
		}
		seen[key] = true

		rec := &model.ContentRecord{
			Key:         key,
			Kind:        model.ContentNews,
			Title:       title,
			Summary:     strings.TrimSpace(it.Description),
			PublishedAt: published,
			SourceURL:   strings.TrimSpace(it.Link),
			ImageURL:    it.Enclosure.URL,
		}
		if len(it.Category) > 0 {
			rec.Category = strings.TrimSpace(it.Category[0])
		}
		recs = append(recs, Record{Key: rec.Key, Name: title, Content: rec})
	}
	return recs, issues, nil
}

// articleKey is the identity both news steps agree on: the canonical
// article URL, or the step's own id when the item carries no URL.
func articleKey(link, id string) string {
	if u := canonicalURL(link); u != "" {
		return "news:" + u
	}
	if id = strings.TrimSpace(id); id != "" {
		return "news:" + id
	}
	return ""
}

// canonicalURL lowercases scheme and host and drops the fragment and any
// trailing slash. Anything without a host is not a URL.
func canonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts the timestamp formats seen across the feeds and
// returns UTC.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, eris.New("empty timestamp")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized timestamp %q", s)
}
