package model

import "strings"

// SourceName identifies an external data source.
type SourceName string

const (
	// SourceCatalog is the third-party catalog API, the primary vehicle source.
	SourceCatalog SourceName = "catalog"
	// SourceWiki is the community wiki API, an auxiliary vehicle source.
	SourceWiki SourceName = "wiki"
	// SourceNews is the GraphQL/RSS news feed.
	SourceNews SourceName = "news"
	// SourceStatus is the service status feed.
	SourceStatus SourceName = "status"
)

// VehicleSources lists the sources that contribute vehicle payloads, in merge
// priority order.
var VehicleSources = []SourceName{SourceCatalog, SourceWiki}

// ParseSourceName validates a source name.
func ParseSourceName(s string) (SourceName, bool) {
	switch SourceName(strings.ToLower(strings.TrimSpace(s))) {
	case SourceCatalog:
		return SourceCatalog, true
	case SourceWiki:
		return SourceWiki, true
	case SourceNews:
		return SourceNews, true
	case SourceStatus:
		return SourceStatus, true
	}
	return "", false
}

// FieldGroup names a logical group of vehicle fields that is merged as a unit.
type FieldGroup string

const (
	GroupGeneral     FieldGroup = "general"
	GroupArmament    FieldGroup = "armament"
	GroupSystems     FieldGroup = "systems"
	GroupDescription FieldGroup = "description"
	GroupMedia       FieldGroup = "media"
)

// FieldGroups lists every group in a fixed order.
var FieldGroups = []FieldGroup{GroupGeneral, GroupArmament, GroupSystems, GroupDescription, GroupMedia}

// ParseFieldGroup validates a field group name.
func ParseFieldGroup(s string) (FieldGroup, bool) {
	g := FieldGroup(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range FieldGroups {
		if g == known {
			return g, true
		}
	}
	return "", false
}

// General holds identifying vehicle attributes.
type General struct {
	Nation       string  `json:"nation,omitempty"`
	Class        string  `json:"class,omitempty"`
	Role         string  `json:"role,omitempty"`
	Rank         int     `json:"rank,omitempty"`
	BattleRating float64 `json:"battle_rating,omitempty"`
}

// IsEmpty reports whether no attribute is set.
func (g *General) IsEmpty() bool {
	return g == nil || (g.Nation == "" && g.Class == "" && g.Role == "" && g.Rank == 0 && g.BattleRating == 0)
}

// Weapon is a single armament entry.
type Weapon struct {
	Name    string  `json:"name"`
	Kind    string  `json:"kind,omitempty"`
	Caliber float64 `json:"caliber_mm,omitempty"`
	Count   int     `json:"count,omitempty"`
}

// Armament lists a vehicle's weapons.
type Armament struct {
	Weapons []Weapon `json:"weapons,omitempty"`
}

// IsEmpty reports whether no weapon is listed.
func (a *Armament) IsEmpty() bool {
	return a == nil || len(a.Weapons) == 0
}

// Systems lists sensors, countermeasures and other onboard systems.
type Systems struct {
	Items []string `json:"items,omitempty"`
}

// IsEmpty reports whether no system is listed.
func (s *Systems) IsEmpty() bool {
	return s == nil || len(s.Items) == 0
}

// Description is the free-text summary of a vehicle.
type Description struct {
	Summary string `json:"summary,omitempty"`
}

// IsEmpty reports whether the summary is blank.
func (d *Description) IsEmpty() bool {
	return d == nil || strings.TrimSpace(d.Summary) == ""
}

// Media holds image references. Image URLs rotate upstream, so this group is
// excluded from content digests.
type Media struct {
	ImageURL     string `json:"image_url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// IsEmpty reports whether no image is referenced.
func (m *Media) IsEmpty() bool {
	return m == nil || (m.ImageURL == "" && m.ThumbnailURL == "")
}

// Payload is a source's normalized vehicle data. Every group is optional; a
// nil or empty group means the source had nothing for it.
type Payload struct {
	General     *General     `json:"general,omitempty"`
	Armament    *Armament    `json:"armament,omitempty"`
	Systems     *Systems     `json:"systems,omitempty"`
	Description *Description `json:"description,omitempty"`
	Media       *Media       `json:"media,omitempty"`
}

// HasGroup reports whether the payload carries non-empty data for g.
func (p *Payload) HasGroup(g FieldGroup) bool {
	if p == nil {
		return false
	}
	switch g {
	case GroupGeneral:
		return !p.General.IsEmpty()
	case GroupArmament:
		return !p.Armament.IsEmpty()
	case GroupSystems:
		return !p.Systems.IsEmpty()
	case GroupDescription:
		return !p.Description.IsEmpty()
	case GroupMedia:
		return !p.Media.IsEmpty()
	}
	return false
}

// CopyGroup copies group g from src into p, replacing whatever p held.
func (p *Payload) CopyGroup(g FieldGroup, src *Payload) {
	if src == nil {
		src = &Payload{}
	}
	switch g {
	case GroupGeneral:
		p.General = src.General
	case GroupArmament:
		p.Armament = src.Armament
	case GroupSystems:
		p.Systems = src.Systems
	case GroupDescription:
		p.Description = src.Description
	case GroupMedia:
		p.Media = src.Media
	}
}

// IsEmpty reports whether every group is empty.
func (p *Payload) IsEmpty() bool {
	for _, g := range FieldGroups {
		if p.HasGroup(g) {
			return false
		}
	}
	return true
}
