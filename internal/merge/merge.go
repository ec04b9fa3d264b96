// Package merge combines per-source vehicle payloads into the catalog's
// display fields.
//
// Each field group is resolved independently, first match wins:
//
//  1. group locked by a manual override: the prior value is kept
//  2. the entity's preferred source for the group, if it has data
//  3. the first source with data, in Priority order (then remaining
//     sources sorted by name)
//  4. the prior value, so a group is never erased because every source
//     came back empty
package merge

import (
	"slices"
	"sort"

	"github.com/sells-group/catalogsync/internal/model"
)

// Provenance values for groups not taken from a source.
const (
	FromManual = "manual"
	FromPrior  = "prior"
)

// Priority is the fixed source order: primary catalog API, then the wiki.
var Priority = model.VehicleSources

// Overrides carries the administrative settings that steer a merge.
type Overrides struct {
	Locked    map[model.FieldGroup]bool
	Preferred map[model.FieldGroup]model.SourceName
}

// OverridesFor extracts the overrides stored on an entity. A nil entity has
// none.
func OverridesFor(e *model.CatalogEntity) Overrides {
	ov := Overrides{
		Locked:    make(map[model.FieldGroup]bool),
		Preferred: make(map[model.FieldGroup]model.SourceName),
	}
	if e == nil {
		return ov
	}
	for _, g := range model.FieldGroups {
		if e.Locked(g) {
			ov.Locked[g] = true
		}
	}
	for g, src := range e.Preferences {
		ov.Preferred[g] = src
	}
	return ov
}

// Result is the merged payload and, per group, where it came from.
type Result struct {
	Fields     model.Payload
	Provenance map[model.FieldGroup]string
}

// Merge resolves every field group of prior against the source payloads.
// It reads nothing but its arguments, so identical inputs always yield
// identical output.
func Merge(prior model.Payload, sources map[model.SourceName]*model.Payload, ov Overrides) Result {
	res := Result{
		Fields:     model.Payload{},
		Provenance: make(map[model.FieldGroup]string, len(model.FieldGroups)),
	}
	order := sourceOrder(sources)

	for _, g := range model.FieldGroups {
		if ov.Locked[g] {
			res.Fields.CopyGroup(g, &prior)
			if prior.HasGroup(g) {
				res.Provenance[g] = FromManual
			}
			continue
		}

		if pref, ok := ov.Preferred[g]; ok {
			if p := sources[pref]; p.HasGroup(g) {
				res.Fields.CopyGroup(g, p)
				res.Provenance[g] = string(pref)
				continue
			}
		}

		picked := false
		for _, src := range order {
			if p := sources[src]; p.HasGroup(g) {
				res.Fields.CopyGroup(g, p)
				res.Provenance[g] = string(src)
				picked = true
				break
			}
		}
		if picked {
			continue
		}

		if prior.HasGroup(g) {
			res.Fields.CopyGroup(g, &prior)
			res.Provenance[g] = FromPrior
		}
	}
	return res
}

// sourceOrder lists the sources present in m: Priority first, then any
// others sorted by name.
func sourceOrder(m map[model.SourceName]*model.Payload) []model.SourceName {
	order := make([]model.SourceName, 0, len(m))
	for _, src := range Priority {
		if _, ok := m[src]; ok {
			order = append(order, src)
		}
	}
	var extra []model.SourceName
	for src := range m {
		if !slices.Contains(Priority, src) {
			extra = append(extra, src)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(order, extra...)
}
