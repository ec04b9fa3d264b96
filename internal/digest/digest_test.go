package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalogsync/internal/model"
)

func TestHashJSON_KeyOrderIndependent(t *testing.T) {
	a := []byte(`{"name":"T-34","general":{"nation":"ussr","rank":3},"armament":{"weapons":[{"name":"F-34","caliber_mm":76.2}]}}`)
	b := []byte(`{"armament":{"weapons":[{"caliber_mm":76.2,"name":"F-34"}]},"general":{"rank":3,"nation":"ussr"},"name":"T-34"}`)

	ha, err := HashJSON(a)
	require.NoError(t, err)
	hb, err := HashJSON(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestHashJSON_ArrayOrderMatters(t *testing.T) {
	ha, err := HashJSON([]byte(`{"items":["radar","flares"]}`))
	require.NoError(t, err)
	hb, err := HashJSON([]byte(`{"items":["flares","radar"]}`))
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestHash_IgnoresVolatileFields(t *testing.T) {
	base := model.Payload{
		General: &model.General{Nation: "germany", Rank: 4},
		Media:   &model.Media{ImageURL: "https://cdn.example.com/a.png?v=1"},
	}
	rotated := base
	rotated.Media = &model.Media{ImageURL: "https://cdn.example.com/a.png?v=2"}
	noMedia := base
	noMedia.Media = nil

	h1, err := Hash(base)
	require.NoError(t, err)
	h2, err := Hash(rotated)
	require.NoError(t, err)
	h3, err := Hash(noMedia)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, h1, h3)
}

func TestHash_DetectsChange(t *testing.T) {
	h1, err := Hash(model.Payload{General: &model.General{Nation: "usa", Rank: 2}})
	require.NoError(t, err)
	h2, err := Hash(model.Payload{General: &model.General{Nation: "usa", Rank: 3}})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHash_ExtraExclusions(t *testing.T) {
	h1, err := Hash(map[string]any{"title": "Patch notes", "views": 10})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"title": "Patch notes", "views": 99}, "views")
	require.NoError(t, err)
	h3, err := Hash(map[string]any{"title": "Patch notes"})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h3)
	assert.Equal(t, h2, h3)
}

func TestHash_TimestampsExcluded(t *testing.T) {
	h1, err := HashJSON([]byte(`{"title":"Outage","fetched_at":"2026-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	h2, err := HashJSON([]byte(`{"fetched_at":"2026-03-04T10:00:00Z","title":"Outage"}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashJSON_InvalidInput(t *testing.T) {
	_, err := HashJSON([]byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest: decode")
}
