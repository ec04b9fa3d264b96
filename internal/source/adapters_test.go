package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalogsync/internal/model"
)

func TestCatalogAdapter_Pages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vehicles", r.URL.Path)
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `{"data":[
				{"id":"t34","name":"T-34","nation":"ussr","class":"medium","rank":3,"battle_rating":4.0,
				 "weapons":[{"name":"76 mm F-34","type":"cannon","caliber_mm":76.2,"count":1}],
				 "modules":["periscope"],"description":"Soviet medium tank.",
				 "images":{"image":"https://cdn/1.png","thumbnail":"https://cdn/1t.png"}},
				{"id":"","name":"broken"}
			],"meta":{"next_page":2}}`)
		case "2":
			fmt.Fprint(w, `{"data":[{"id":"tiger","name":"Tiger H1","nation":"germany","rank":4}],"meta":{}}`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))
	defer srv.Close()

	a := NewCatalogAdapter(srv.URL+"/", testFetcher(), testOptions(nil))
	assert.Equal(t, model.SourceCatalog, a.Name())

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "api", res.Origin)
	assert.Equal(t, 1, res.Issues)
	require.Len(t, res.Records, 2)

	t34 := res.Records[0]
	assert.Equal(t, "t34", t34.Key)
	assert.Equal(t, "T-34", t34.Name)
	require.NotNil(t, t34.Vehicle)
	assert.Equal(t, "ussr", t34.Vehicle.General.Nation)
	assert.Equal(t, 4.0, t34.Vehicle.General.BattleRating)
	assert.Equal(t, 76.2, t34.Vehicle.Armament.Weapons[0].Caliber)
	assert.Equal(t, []string{"periscope"}, t34.Vehicle.Systems.Items)
	assert.Equal(t, "https://cdn/1t.png", t34.Vehicle.Media.ThumbnailURL)

	assert.Nil(t, res.Records[1].Vehicle.Armament)
}

func TestCatalogAdapter_PageFailureFailsStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"a","name":"A"}],"meta":{"next_page":2}}`)
	}))
	defer srv.Close()

	a := NewCatalogAdapter(srv.URL, testFetcher(), testOptions(newMemSnapshots()))
	_, err := a.Fetch(context.Background())
	require.Error(t, err)
}

func TestWikiAdapter_CargoRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "cargoquery", q.Get("action"))
		assert.Equal(t, "0", q.Get("offset"))
		fmt.Fprint(w, `{"cargoquery":[
			{"title":{"page":"Tiger_H1","name":"Tiger H1","nation":"germany","rank":"4","br":"5.7",
			  "armament":"8.8 cm KwK 36; 7.92 mm MG34","systems":"","description":"Heavy tank."}},
			{"title":{"page":"Bad_Rank","name":"Bad","rank":"four"}},
			{"title":{"page":"No_Name_Page"}},
			{"title":{}}
		]}`)
	}))
	defer srv.Close()

	a := NewWikiAdapter(srv.URL+"/api.php", testFetcher(), testOptions(nil))
	res, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Issues)
	require.Len(t, res.Records, 2)

	tiger := res.Records[0]
	assert.Equal(t, "Tiger_H1", tiger.Key)
	assert.Equal(t, 5.7, tiger.Vehicle.General.BattleRating)
	require.Len(t, tiger.Vehicle.Armament.Weapons, 2)
	assert.Equal(t, "7.92 mm MG34", tiger.Vehicle.Armament.Weapons[1].Name)
	assert.Nil(t, tiger.Vehicle.Systems)

	assert.Equal(t, "No Name Page", res.Records[1].Name)
}

func TestWikiAdapter_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"error":{"code":"badtable","info":"Table Vehicles not found"}}`)
	}))
	defer srv.Close()

	_, err := NewWikiAdapter(srv.URL, testFetcher(), testOptions(nil)).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Table Vehicles not found")
}

const rssFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<item><title>Update 2.41</title><link>https://news/2-41</link><guid>n-241</guid>
<description>Patch notes</description><pubDate>Tue, 03 Mar 2026 10:00:00 +0000</pubDate>
<category>updates</category><enclosure url="https://cdn/241.jpg" type="image/jpeg"/></item>
<item><title>No date</title><guid>n-x</guid></item>
</channel></rss>`

func TestNewsAdapter_GraphQL(t *testing.T) {
	var rssHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		fmt.Fprint(w, `{"data":{"news":[
			{"id":"241","title":"Update 2.41","category":"updates","summary":"s","body":"b",
			 "publishedAt":"2026-03-03T10:00:00Z","url":"https://news/2-41","image":"https://cdn/241.jpg"},
			{"id":"242","title":"","publishedAt":"2026-03-04T10:00:00Z"}
		]}}`)
	})
	mux.HandleFunc("/rss", func(w http.ResponseWriter, _ *http.Request) {
		rssHits.Add(1)
		fmt.Fprint(w, rssFeed)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewNewsAdapter(srv.URL+"/graphql", srv.URL+"/rss", testFetcher(), testOptions(nil))
	res, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "graphql", res.Origin)
	assert.Equal(t, 1, res.Issues)
	require.Len(t, res.Records, 1)

	rec := res.Records[0].Content
	assert.Equal(t, "news:https://news/2-41", rec.Key)
	assert.Equal(t, model.ContentNews, rec.Kind)
	assert.Equal(t, time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), rec.PublishedAt)
	assert.Zero(t, rssHits.Load())
}

func TestNewsAdapter_FallsBackToRSS(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"errors":[{"message":"field news is deprecated"}]}`)
	})
	mux.HandleFunc("/rss", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, rssFeed)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	snaps := newMemSnapshots()
	a := NewNewsAdapter(srv.URL+"/graphql", srv.URL+"/rss", testFetcher(), testOptions(snaps))
	res, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rss", res.Origin)
	assert.True(t, res.Fallback)
	assert.Equal(t, 1, res.Issues)
	require.Len(t, res.Records, 1)

	rec := res.Records[0].Content
	assert.Equal(t, "news:https://news/2-41", rec.Key)
	assert.Equal(t, "updates", rec.Category)
	assert.Equal(t, "https://cdn/241.jpg", rec.ImageURL)

	snap, _ := snaps.GetSnapshot(context.Background(), model.SourceNews)
	require.NotNil(t, snap)
}

func TestNewsAdapter_SlowGraphQLFallsBackToRSS(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	mux.HandleFunc("/rss", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, rssFeed)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	opts := testOptions(nil)
	opts.Timeout = 300 * time.Millisecond
	a := NewNewsAdapter(srv.URL+"/graphql", srv.URL+"/rss", testFetcher(), opts)
	res, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rss", res.Origin)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "news:https://news/2-41", res.Records[0].Key)
}

func TestArticleKey(t *testing.T) {
	assert.Equal(t, "news:https://news.example/a/2-41", articleKey("HTTPS://News.Example/a/2-41/#top", "241"))
	assert.Equal(t, "news:https://news.example/a?id=7", articleKey(" https://news.example/a?id=7 ", ""))
	assert.Equal(t, "news:n-241", articleKey("", " n-241 "))
	assert.Equal(t, "news:n-241", articleKey("/relative/path", "n-241"))
	assert.Empty(t, articleKey("", ""))
}

func TestStatusAdapter_SnapshotAfterOutage(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"incidents":[
			{"id":"inc-1","title":"Login issues","status":"investigating","impact":"major",
			 "body":"We are looking into it.","created_at":"2026-03-05T08:00:00Z"},
			{"id":"inc-2","title":"Bad date","created_at":"yesterday"}
		]}`)
	}))
	defer srv.Close()

	snaps := newMemSnapshots()
	a := NewStatusAdapter(srv.URL, testFetcher(), testOptions(snaps))

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Issues)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "status:inc-1", res.Records[0].Key)
	assert.Equal(t, "major", res.Records[0].Content.Category)

	down.Store(true)
	res, err = a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OriginSnapshot+"feed", res.Origin)
	assert.Equal(t, 2, res.Issues)
	assert.Equal(t, "status:inc-1", res.Records[0].Key)
}

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2026-03-03T10:00:00Z",
		"2026-03-03T12:00:00+02:00",
		"Tue, 03 Mar 2026 10:00:00 +0000",
		"2026-03-03 10:00:00",
	} {
		got, err := parseTime(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), in)
	}
	_, err := parseTime("soon")
	assert.Error(t, err)
}
