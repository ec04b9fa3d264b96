package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalogsync/internal/model"
)

// encodedEntity holds the JSON columns of a catalog_entities row. A nil
// catalog or wiki slice maps to SQL NULL.
type encodedEntity struct {
	catalog     []byte
	wiki        []byte
	merged      []byte
	provenance  []byte
	groups      []byte
	preferences []byte
}

// payloadColumn maps a vehicle source to its cached payload column.
func payloadColumn(src model.SourceName) (string, bool) {
	switch src {
	case model.SourceCatalog:
		return "catalog_payload", true
	case model.SourceWiki:
		return "wiki_payload", true
	}
	return "", false
}

func encodeEntity(e *model.CatalogEntity) (encodedEntity, error) {
	var out encodedEntity
	var err error

	if p := e.Source(model.SourceCatalog); p != nil {
		if out.catalog, err = json.Marshal(p); err != nil {
			return out, eris.Wrapf(err, "store: marshal catalog payload %s", e.Slug)
		}
	}
	if p := e.Source(model.SourceWiki); p != nil {
		if out.wiki, err = json.Marshal(p); err != nil {
			return out, eris.Wrapf(err, "store: marshal wiki payload %s", e.Slug)
		}
	}
	if out.merged, err = json.Marshal(e.Merged); err != nil {
		return out, eris.Wrapf(err, "store: marshal merged %s", e.Slug)
	}

	provenance := e.Provenance
	if provenance == nil {
		provenance = map[model.FieldGroup]string{}
	}
	if out.provenance, err = json.Marshal(provenance); err != nil {
		return out, eris.Wrapf(err, "store: marshal provenance %s", e.Slug)
	}

	groups := e.ManualGroups
	if groups == nil {
		groups = []model.FieldGroup{}
	}
	if out.groups, err = json.Marshal(groups); err != nil {
		return out, eris.Wrapf(err, "store: marshal manual groups %s", e.Slug)
	}

	prefs := e.Preferences
	if prefs == nil {
		prefs = map[model.FieldGroup]model.SourceName{}
	}
	if out.preferences, err = json.Marshal(prefs); err != nil {
		return out, eris.Wrapf(err, "store: marshal preferences %s", e.Slug)
	}
	return out, nil
}

func decodeEntity(e *model.CatalogEntity, in encodedEntity) error {
	e.Sources = make(map[model.SourceName]*model.Payload)
	if in.catalog != nil {
		var p model.Payload
		if err := json.Unmarshal(in.catalog, &p); err != nil {
			return eris.Wrapf(err, "store: decode catalog payload %s", e.Slug)
		}
		e.Sources[model.SourceCatalog] = &p
	}
	if in.wiki != nil {
		var p model.Payload
		if err := json.Unmarshal(in.wiki, &p); err != nil {
			return eris.Wrapf(err, "store: decode wiki payload %s", e.Slug)
		}
		e.Sources[model.SourceWiki] = &p
	}
	if len(in.merged) > 0 {
		if err := json.Unmarshal(in.merged, &e.Merged); err != nil {
			return eris.Wrapf(err, "store: decode merged %s", e.Slug)
		}
	}
	if len(in.provenance) > 0 {
		if err := json.Unmarshal(in.provenance, &e.Provenance); err != nil {
			return eris.Wrapf(err, "store: decode provenance %s", e.Slug)
		}
	}
	if len(in.groups) > 0 {
		if err := json.Unmarshal(in.groups, &e.ManualGroups); err != nil {
			return eris.Wrapf(err, "store: decode manual groups %s", e.Slug)
		}
	}
	if len(e.ManualGroups) == 0 {
		e.ManualGroups = nil
	}
	if len(in.preferences) > 0 {
		if err := json.Unmarshal(in.preferences, &e.Preferences); err != nil {
			return eris.Wrapf(err, "store: decode preferences %s", e.Slug)
		}
	}
	if len(e.Preferences) == 0 {
		e.Preferences = nil
	}
	if len(e.Provenance) == 0 {
		e.Provenance = nil
	}
	return nil
}
