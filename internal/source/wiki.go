package source

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/catalogsync/internal/fetcher"
	"github.com/sells-group/catalogsync/internal/model"
)

const (
	wikiPageSize = 500
	wikiMaxPages = 100
	wikiFields   = "_pageName=page,name,nation,class,role,rank,br,armament,systems,description,image"
)

// WikiAdapter reads vehicle rows from the community wiki's Cargo tables.
// Cargo returns every field as a string.
type WikiAdapter struct {
	baseURL string
	table   string
	f       fetcher.Fetcher
	chain   *Chain
}

// NewWikiAdapter creates the wiki adapter. baseURL points at api.php.
func NewWikiAdapter(baseURL string, f fetcher.Fetcher, opts ChainOptions) *WikiAdapter {
	a := &WikiAdapter{baseURL: baseURL, table: "Vehicles", f: f}
	a.chain = NewChain(model.SourceWiki, opts, Step{
		Name:  "cargo",
		Fetch: a.fetchAll,
		Parse: parseWiki,
	})
	return a
}

// Name implements Adapter.
func (a *WikiAdapter) Name() model.SourceName { return model.SourceWiki }

// Fetch implements Adapter.
func (a *WikiAdapter) Fetch(ctx context.Context) (*FetchResult, error) {
	return a.chain.Fetch(ctx)
}

func (a *WikiAdapter) queryURL(offset int) (string, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return "", eris.Wrap(err, "wiki: base url")
	}
	q := u.Query()
	q.Set("action", "cargoquery")
	q.Set("format", "json")
	q.Set("tables", a.table)
	q.Set("fields", wikiFields)
	q.Set("limit", strconv.Itoa(wikiPageSize))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *WikiAdapter) fetchAll(ctx context.Context) ([]byte, error) {
	var rows []string
	for page := 0; page < wikiMaxPages; page++ {
		u, err := a.queryURL(page * wikiPageSize)
		if err != nil {
			return nil, err
		}
		body, err := a.f.Get(ctx, u, nil)
		if err != nil {
			return nil, eris.Wrapf(err, "wiki: offset %d", page*wikiPageSize)
		}
		doc := gjson.ParseBytes(body)
		if msg := doc.Get("error.info").String(); msg != "" {
			return nil, eris.Errorf("wiki: %s", msg)
		}
		res := doc.Get("cargoquery")
		if !res.IsArray() {
			return nil, eris.New("wiki: response has no cargoquery array")
		}
		batch := res.Array()
		for _, r := range batch {
			rows = append(rows, r.Raw)
		}
		if len(batch) < wikiPageSize {
			return []byte("[" + strings.Join(rows, ",") + "]"), nil
		}
	}
	return nil, eris.Errorf("wiki: more than %d pages", wikiMaxPages)
}

func parseWiki(raw []byte) ([]Record, int, error) {
	if !gjson.ValidBytes(raw) {
		return nil, 0, eris.New("wiki: invalid JSON")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsArray() {
		return nil, 0, eris.New("wiki: expected an array")
	}

	var (
		recs   []Record
		issues int
		seen   = make(map[string]bool)
	)
	for _, row := range doc.Array() {
		t := row.Get("title")
		page := strings.TrimSpace(t.Get("page").String())
		name := strings.TrimSpace(t.Get("name").String())
		if name == "" {
			name = strings.ReplaceAll(page, "_", " ")
		}
		if page == "" || name == "" || seen[page] {
			issues++
			continue
		}

		rank, err := atoiOrZero(t.Get("rank").String())
		if err != nil {
			issues++
			continue
		}
		br, err := atofOrZero(t.Get("br").String())
		if err != nil {
			issues++
			continue
		}
		seen[page] = true

		p := &model.Payload{
			General: &model.General{
				Nation:       t.Get("nation").String(),
				Class:        t.Get("class").String(),
				Role:         t.Get("role").String(),
				Rank:         rank,
				BattleRating: br,
			},
			Description: &model.Description{Summary: t.Get("description").String()},
			Media:       &model.Media{ImageURL: t.Get("image").String()},
		}
		if ws := splitList(t.Get("armament").String()); len(ws) > 0 {
			p.Armament = &model.Armament{}
			for _, w := range ws {
				p.Armament.Weapons = append(p.Armament.Weapons, model.Weapon{Name: w})
			}
		}
		if items := splitList(t.Get("systems").String()); len(items) > 0 {
			p.Systems = &model.Systems{Items: items}
		}
		recs = append(recs, Record{Key: page, Name: name, Vehicle: p})
	}
	return recs, issues, nil
}

// splitList splits Cargo list fields, which use ';' or ',' separators.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func atoiOrZero(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func atofOrZero(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
