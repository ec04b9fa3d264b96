package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/catalogsync/internal/fetcher"
	"github.com/sells-group/catalogsync/internal/model"
)

// maxCatalogPages stops a misbehaving upstream that never ends pagination.
const maxCatalogPages = 500

// CatalogAdapter reads the third-party catalog API, the canonical vehicle
// list. The API pages through {"data":[...],"meta":{"next_page":N}}.
type CatalogAdapter struct {
	baseURL string
	f       fetcher.Fetcher
	chain   *Chain
}

// NewCatalogAdapter creates the catalog adapter.
func NewCatalogAdapter(baseURL string, f fetcher.Fetcher, opts ChainOptions) *CatalogAdapter {
	a := &CatalogAdapter{baseURL: strings.TrimRight(baseURL, "/"), f: f}
	a.chain = NewChain(model.SourceCatalog, opts, Step{
		Name:  "api",
		Fetch: a.fetchAll,
		Parse: parseCatalog,
	})
	return a
}

// Name implements Adapter.
func (a *CatalogAdapter) Name() model.SourceName { return model.SourceCatalog }

// Fetch implements Adapter.
func (a *CatalogAdapter) Fetch(ctx context.Context) (*FetchResult, error) {
	return a.chain.Fetch(ctx)
}

// fetchAll walks every page and joins the data arrays into one document,
// which is what gets parsed and snapshotted.
func (a *CatalogAdapter) fetchAll(ctx context.Context) ([]byte, error) {
	var items []string
	page := 1
	for n := 0; page > 0; n++ {
		if n >= maxCatalogPages {
			return nil, eris.Errorf("catalog: more than %d pages", maxCatalogPages)
		}
		u := fmt.Sprintf("%s/vehicles?page=%d", a.baseURL, page)
		body, err := a.f.Get(ctx, u, nil)
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: page %d", page)
		}
		if !gjson.ValidBytes(body) {
			return nil, eris.Errorf("catalog: page %d is not JSON", page)
		}
		doc := gjson.ParseBytes(body)
		data := doc.Get("data")
		if !data.IsArray() {
			return nil, eris.Errorf("catalog: page %d has no data array", page)
		}
		for _, it := range data.Array() {
			items = append(items, it.Raw)
		}
		next := int(doc.Get("meta.next_page").Int())
		if next <= page {
			break
		}
		page = next
	}
	return []byte("[" + strings.Join(items, ",") + "]"), nil
}

func parseCatalog(raw []byte) ([]Record, int, error) {
	if !gjson.ValidBytes(raw) {
		return nil, 0, eris.New("catalog: invalid JSON")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsArray() {
		return nil, 0, eris.New("catalog: expected an array")
	}

	var (
		recs   []Record
		issues int
		seen   = make(map[string]bool)
	)
	for _, it := range doc.Array() {
		id := it.Get("id").String()
		name := strings.TrimSpace(it.Get("name").String())
		if id == "" || name == "" || seen[id] {
			issues++
			continue
		}
		seen[id] = true

		p := &model.Payload{
			General: &model.General{
				Nation:       it.Get("nation").String(),
				Class:        it.Get("class").String(),
				Role:         it.Get("role").String(),
				Rank:         int(it.Get("rank").Int()),
				BattleRating: it.Get("battle_rating").Float(),
			},
			Description: &model.Description{Summary: it.Get("description").String()},
			Media: &model.Media{
				ImageURL:     it.Get("images.image").String(),
				ThumbnailURL: it.Get("images.thumbnail").String(),
			},
		}
		if ws := it.Get("weapons").Array(); len(ws) > 0 {
			p.Armament = &model.Armament{}
			for _, w := range ws {
				if w.Get("name").String() == "" {
					continue
				}
				p.Armament.Weapons = append(p.Armament.Weapons, model.Weapon{
					Name:    w.Get("name").String(),
					Kind:    w.Get("type").String(),
					Caliber: w.Get("caliber_mm").Float(),
					Count:   int(w.Get("count").Int()),
				})
			}
		}
		if mods := it.Get("modules").Array(); len(mods) > 0 {
			p.Systems = &model.Systems{}
			for _, m := range mods {
				if s := strings.TrimSpace(m.String()); s != "" {
					p.Systems.Items = append(p.Systems.Items, s)
				}
			}
		}
		recs = append(recs, Record{Key: id, Name: name, Vehicle: p})
	}
	return recs, issues, nil
}
