package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/catalogsync/internal/model"
)

func armament(names ...string) *model.Armament {
	a := &model.Armament{}
	for _, n := range names {
		a.Weapons = append(a.Weapons, model.Weapon{Name: n})
	}
	return a
}

func TestMerge_PicksOnlySourceWithArmament(t *testing.T) {
	catalog := &model.Payload{General: &model.General{Nation: "uk", Rank: 5}}
	wiki := &model.Payload{Armament: armament("105 mm L7")}

	for i := 0; i < 20; i++ {
		res := Merge(model.Payload{}, map[model.SourceName]*model.Payload{
			model.SourceWiki:    wiki,
			model.SourceCatalog: catalog,
		}, Overrides{})

		assert.Equal(t, "105 mm L7", res.Fields.Armament.Weapons[0].Name)
		assert.Equal(t, string(model.SourceWiki), res.Provenance[model.GroupArmament])
		assert.Equal(t, string(model.SourceCatalog), res.Provenance[model.GroupGeneral])
	}
}

func TestMerge_CatalogWinsOverWiki(t *testing.T) {
	res := Merge(model.Payload{}, map[model.SourceName]*model.Payload{
		model.SourceCatalog: {Armament: armament("catalog gun")},
		model.SourceWiki:    {Armament: armament("wiki gun")},
	}, Overrides{})

	assert.Equal(t, "catalog gun", res.Fields.Armament.Weapons[0].Name)
	assert.Equal(t, string(model.SourceCatalog), res.Provenance[model.GroupArmament])
}

func TestMerge_PreferredSource(t *testing.T) {
	ov := Overrides{Preferred: map[model.FieldGroup]model.SourceName{
		model.GroupArmament: model.SourceWiki,
	}}
	res := Merge(model.Payload{}, map[model.SourceName]*model.Payload{
		model.SourceCatalog: {Armament: armament("catalog gun")},
		model.SourceWiki:    {Armament: armament("wiki gun")},
	}, ov)
	assert.Equal(t, "wiki gun", res.Fields.Armament.Weapons[0].Name)

	// Preferred source without data falls through to priority order.
	res = Merge(model.Payload{}, map[model.SourceName]*model.Payload{
		model.SourceCatalog: {Armament: armament("catalog gun")},
		model.SourceWiki:    {},
	}, ov)
	assert.Equal(t, "catalog gun", res.Fields.Armament.Weapons[0].Name)
}

func TestMerge_KeepsPriorWhenSourcesEmpty(t *testing.T) {
	prior := model.Payload{
		Armament:    armament("kept"),
		Description: &model.Description{Summary: "A medium tank."},
	}
	res := Merge(prior, map[model.SourceName]*model.Payload{
		model.SourceCatalog: nil,
		model.SourceWiki:    {},
	}, Overrides{})

	assert.Equal(t, "kept", res.Fields.Armament.Weapons[0].Name)
	assert.Equal(t, FromPrior, res.Provenance[model.GroupArmament])
	assert.Equal(t, "A medium tank.", res.Fields.Description.Summary)
	assert.Nil(t, res.Fields.General)
	_, ok := res.Provenance[model.GroupGeneral]
	assert.False(t, ok)
}

func TestMerge_ManualOverrideSupremacy(t *testing.T) {
	entity := &model.CatalogEntity{
		ManualOverride: true,
		ManualGroups:   []model.FieldGroup{model.GroupArmament},
		Merged:         model.Payload{Armament: armament("hand-curated")},
	}
	ov := OverridesFor(entity)

	res := Merge(entity.Merged, map[model.SourceName]*model.Payload{
		model.SourceCatalog: {
			General:  &model.General{Nation: "france"},
			Armament: armament("fresh upstream gun"),
		},
	}, ov)

	assert.Equal(t, "hand-curated", res.Fields.Armament.Weapons[0].Name)
	assert.Equal(t, FromManual, res.Provenance[model.GroupArmament])
	assert.Equal(t, "france", res.Fields.General.Nation)
}

func TestMerge_ManualOverrideAllGroups(t *testing.T) {
	entity := &model.CatalogEntity{
		ManualOverride: true,
		Merged:         model.Payload{General: &model.General{Nation: "italy"}},
	}
	res := Merge(entity.Merged, map[model.SourceName]*model.Payload{
		model.SourceCatalog: {
			General:  &model.General{Nation: "sweden"},
			Armament: armament("new"),
		},
	}, OverridesFor(entity))

	assert.Equal(t, "italy", res.Fields.General.Nation)
	assert.Nil(t, res.Fields.Armament)
}

func TestMerge_UnknownSourcesAfterPriority(t *testing.T) {
	res := Merge(model.Payload{}, map[model.SourceName]*model.Payload{
		"zeta":  {Systems: &model.Systems{Items: []string{"zeta radar"}}},
		"alpha": {Systems: &model.Systems{Items: []string{"alpha radar"}}},
	}, Overrides{})
	assert.Equal(t, "alpha radar", res.Fields.Systems.Items[0])
}

func TestOverridesFor_NilEntity(t *testing.T) {
	ov := OverridesFor(nil)
	assert.Empty(t, ov.Locked)
	assert.Empty(t, ov.Preferred)
}
