package model

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// CatalogEntity is the authoritative record for one vehicle.
type CatalogEntity struct {
	Slug           string                    `json:"slug"`
	Name           string                    `json:"name"`
	Sources        map[SourceName]*Payload   `json:"sources,omitempty"`
	Merged         Payload                   `json:"merged"`
	Provenance     map[FieldGroup]string     `json:"provenance,omitempty"`
	ManualOverride bool                      `json:"manual_override"`
	ManualGroups   []FieldGroup              `json:"manual_groups,omitempty"`
	Preferences    map[FieldGroup]SourceName `json:"preferences,omitempty"`
	ContentHash    string                    `json:"content_hash"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// Locked reports whether merge must leave group g untouched. With
// ManualOverride set and no explicit groups, every group is locked.
func (e *CatalogEntity) Locked(g FieldGroup) bool {
	if e == nil || !e.ManualOverride {
		return false
	}
	if len(e.ManualGroups) == 0 {
		return true
	}
	for _, mg := range e.ManualGroups {
		if mg == g {
			return true
		}
	}
	return false
}

// Source returns the cached payload for src, or nil.
func (e *CatalogEntity) Source(src SourceName) *Payload {
	if e == nil || e.Sources == nil {
		return nil
	}
	return e.Sources[src]
}

// EntityPatch carries administrative edits to an entity's override settings.
type EntityPatch struct {
	ManualOverride *bool                     `json:"manual_override,omitempty"`
	ManualGroups   []FieldGroup              `json:"manual_groups,omitempty"`
	Preferences    map[FieldGroup]SourceName `json:"preferences,omitempty"`
	Merged         *Payload                  `json:"merged,omitempty"`
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeName folds a display name for comparison: accents removed,
// lowercased, punctuation collapsed to single spaces.
func NormalizeName(name string) string {
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	space := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// Slugify derives a stable slug from a display name.
func Slugify(name string) string {
	return strings.ReplaceAll(NormalizeName(name), " ", "-")
}
