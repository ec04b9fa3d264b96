package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPayload_HasGroup(t *testing.T) {
	p := &Payload{
		General:  &General{Nation: "japan"},
		Armament: &Armament{},
		Media:    &Media{ImageURL: "https://img.example.com/x.png"},
	}
	assert.True(t, p.HasGroup(GroupGeneral))
	assert.False(t, p.HasGroup(GroupArmament))
	assert.False(t, p.HasGroup(GroupSystems))
	assert.False(t, p.HasGroup(GroupDescription))
	assert.True(t, p.HasGroup(GroupMedia))

	var nilPayload *Payload
	assert.False(t, nilPayload.HasGroup(GroupGeneral))
}

func TestPayload_CopyGroup(t *testing.T) {
	dst := &Payload{Armament: &Armament{Weapons: []Weapon{{Name: "old"}}}}
	src := &Payload{Armament: &Armament{Weapons: []Weapon{{Name: "new"}}}}

	dst.CopyGroup(GroupArmament, src)
	assert.Equal(t, "new", dst.Armament.Weapons[0].Name)

	dst.CopyGroup(GroupArmament, nil)
	assert.Nil(t, dst.Armament)
}

func TestPayload_IsEmpty(t *testing.T) {
	assert.True(t, (&Payload{}).IsEmpty())
	assert.True(t, (&Payload{Description: &Description{Summary: "  "}}).IsEmpty())
	assert.False(t, (&Payload{Systems: &Systems{Items: []string{"thermal sight"}}}).IsEmpty())
}

func TestParseFieldGroup(t *testing.T) {
	g, ok := ParseFieldGroup(" Armament ")
	assert.True(t, ok)
	assert.Equal(t, GroupArmament, g)

	_, ok = ParseFieldGroup("engine")
	assert.False(t, ok)
}

func TestParseSourceName(t *testing.T) {
	s, ok := ParseSourceName("WIKI")
	assert.True(t, ok)
	assert.Equal(t, SourceWiki, s)

	_, ok = ParseSourceName("forum")
	assert.False(t, ok)
}

func TestCatalogEntity_Locked(t *testing.T) {
	e := &CatalogEntity{}
	assert.False(t, e.Locked(GroupArmament))

	e.ManualOverride = true
	assert.True(t, e.Locked(GroupArmament))
	assert.True(t, e.Locked(GroupGeneral))

	e.ManualGroups = []FieldGroup{GroupArmament}
	assert.True(t, e.Locked(GroupArmament))
	assert.False(t, e.Locked(GroupGeneral))
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Panzerkampfwagen VI Ausf. E", "panzerkampfwagen vi ausf e"},
		{"  Škoda  T-25 ", "skoda t 25"},
		{"M4A3E8 (76)W", "m4a3e8 76 w"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeName(tt.input))
		})
	}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "skoda-t-25", Slugify("Škoda T-25"))
	assert.Equal(t, "f-16a-block-10", Slugify("F-16A Block 10"))
}

func TestSyncStatus_Terminal(t *testing.T) {
	assert.False(t, SyncRunning.Terminal())
	assert.True(t, SyncCompleted.Terminal())
	assert.True(t, SyncFailed.Terminal())
	assert.True(t, SyncCancelled.Terminal())
}

func TestParseMappingFilter(t *testing.T) {
	f, err := ParseMappingFilter("")
	assert.NoError(t, err)
	assert.Equal(t, MappingsAll, f)

	f, err = ParseMappingFilter("manual")
	assert.NoError(t, err)
	assert.Equal(t, MappingsManual, f)

	_, err = ParseMappingFilter("bogus")
	assert.Error(t, err)
}

func TestIdentityMapping_Matched(t *testing.T) {
	assert.True(t, (&IdentityMapping{SourceIdentifier: "123", ValidationStatus: ValidationPending}).Matched())
	assert.False(t, (&IdentityMapping{SourceIdentifier: "123", ValidationStatus: ValidationRejected}).Matched())
	assert.False(t, (&IdentityMapping{ValidationStatus: ValidationConfirmed}).Matched())
}
