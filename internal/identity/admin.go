package identity

import (
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/catalogsync/internal/model"
)

// ErrInvalid marks operator input that fails validation.
var ErrInvalid = eris.New("identity: invalid mapping")

// SetInput is an operator-provided mapping.
type SetInput struct {
	CanonicalName    string  `json:"canonical_name" yaml:"canonical_name"`
	Source           string  `json:"source" yaml:"source"`
	SourceIdentifier string  `json:"source_identifier" yaml:"source_identifier"`
	ValidationStatus string  `json:"validation_status" yaml:"validation_status"`
	Confidence       float64 `json:"confidence" yaml:"confidence"`
	Reason           string  `json:"reason" yaml:"reason"`
}

// CleanupReport summarizes Cleanup.
type CleanupReport struct {
	MappingsDeleted int64 `json:"mappings_deleted"`
	PayloadsCleared int64 `json:"payloads_cleared"`
}

// Set creates or replaces a manual mapping. When the identifier changes the
// entity's cached payload for that source is dropped so the next run
// refetches it under the new identity.
func (m *Mapper) Set(ctx context.Context, in SetInput) (*model.IdentityMapping, error) {
	canonical, src, status, err := validate(in)
	if err != nil {
		return nil, err
	}
	confidence := in.Confidence
	if confidence == 0 && status == model.ValidationConfirmed {
		confidence = 1.0
	}

	existing, err := m.store.GetMapping(ctx, canonical, src)
	if err != nil {
		return nil, eris.Wrapf(err, "identity: set %s/%s", src, canonical)
	}

	now := m.now().UTC()
	mp := &model.IdentityMapping{
		CanonicalName:    canonical,
		Source:           src,
		SourceIdentifier: strings.TrimSpace(in.SourceIdentifier),
		ManualOverride:   true,
		ValidationStatus: status,
		Confidence:       confidence,
		Reason:           in.Reason,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if existing != nil {
		mp.CreatedAt = existing.CreatedAt
	}
	if err := m.store.UpsertMapping(ctx, mp); err != nil {
		return nil, eris.Wrapf(err, "identity: set %s/%s", src, canonical)
	}

	if existing == nil || existing.SourceIdentifier != mp.SourceIdentifier {
		if _, err := m.store.ClearSourcePayload(ctx, model.Slugify(canonical), src); err != nil {
			return nil, eris.Wrapf(err, "identity: set %s/%s", src, canonical)
		}
	}
	return mp, nil
}

// Delete removes a mapping and the entity's cached payload for that source.
// It reports whether a mapping existed.
func (m *Mapper) Delete(ctx context.Context, canonical string, src model.SourceName) (bool, error) {
	ok, err := m.store.DeleteMapping(ctx, canonical, src)
	if err != nil {
		return false, eris.Wrapf(err, "identity: delete %s/%s", src, canonical)
	}
	if _, err := m.store.ClearSourcePayload(ctx, model.Slugify(canonical), src); err != nil {
		return ok, eris.Wrapf(err, "identity: delete %s/%s", src, canonical)
	}
	return ok, nil
}

// List returns mappings matching filter, optionally for one source.
func (m *Mapper) List(ctx context.Context, filter model.MappingFilter, src model.SourceName) ([]model.IdentityMapping, error) {
	out, err := m.store.ListMappings(ctx, filter, src)
	return out, eris.Wrap(err, "identity: list")
}

// Cleanup wipes automatic mappings (and manual ones when includeManual) and
// every cached per-source payload, so the next run re-resolves from scratch.
func (m *Mapper) Cleanup(ctx context.Context, includeManual bool) (CleanupReport, error) {
	var rep CleanupReport
	n, err := m.store.DeleteMappings(ctx, includeManual)
	if err != nil {
		return rep, eris.Wrap(err, "identity: cleanup mappings")
	}
	rep.MappingsDeleted = n

	for _, src := range model.VehicleSources {
		n, err := m.store.ClearSourcePayload(ctx, "", src)
		if err != nil {
			return rep, eris.Wrapf(err, "identity: cleanup %s payloads", src)
		}
		rep.PayloadsCleared += n
	}
	zap.L().Info("identity cleanup",
		zap.Bool("include_manual", includeManual),
		zap.Int64("mappings_deleted", rep.MappingsDeleted),
		zap.Int64("payloads_cleared", rep.PayloadsCleared),
	)
	return rep, nil
}

// importFile is the YAML layout accepted by Import.
type importFile struct {
	Mappings []SetInput `yaml:"mappings"`
}

// Import loads manual mappings from YAML and applies each with Set. Every
// entry is validated before any is written.
func (m *Mapper) Import(ctx context.Context, r io.Reader) (int, error) {
	var f importFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, eris.Wrapf(ErrInvalid, "parse import file: %v", err)
	}

	for i, in := range f.Mappings {
		if _, _, _, err := validate(in); err != nil {
			return 0, eris.Wrapf(err, "import entry %d", i+1)
		}
	}

	for i, in := range f.Mappings {
		if _, err := m.Set(ctx, in); err != nil {
			return i, err
		}
	}
	return len(f.Mappings), nil
}

// validate checks operator input. An empty status means confirmed.
func validate(in SetInput) (string, model.SourceName, model.ValidationStatus, error) {
	canonical := strings.TrimSpace(in.CanonicalName)
	if canonical == "" {
		return "", "", "", eris.Wrap(ErrInvalid, "canonical_name is required")
	}
	src, ok := model.ParseSourceName(in.Source)
	if !ok {
		return "", "", "", eris.Wrapf(ErrInvalid, "unknown source %q", in.Source)
	}
	if in.ValidationStatus == "" {
		return canonical, src, model.ValidationConfirmed, nil
	}
	status, err := model.ParseValidationStatus(in.ValidationStatus)
	if err != nil {
		return "", "", "", eris.Wrapf(ErrInvalid, "%v", err)
	}
	return canonical, src, status, nil
}
