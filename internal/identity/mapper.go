// Package identity links canonical catalog entities to each source's own
// identifiers.
//
// Resolution order, first hit wins:
//
//  1. a manual mapping (a rejected one means "never match")
//  2. an automatic mapping whose identifier is still offered by the source
//  3. with auto-matching on: an exact normalized-name match, then the best
//     fuzzy match if it clears the threshold and beats the runner-up by the
//     margin
//  4. unmatched, recorded with an empty identifier for operators to fix
package identity

import (
	"context"
	"sort"
	"time"

	"github.com/agext/levenshtein"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/store"
)

// Resolution methods.
const (
	MethodManual   = "manual"
	MethodExisting = "existing"
	MethodExact    = "exact"
	MethodFuzzy    = "fuzzy"
	MethodNone     = "none"
)

// Store is the persistence the mapper needs.
type Store interface {
	store.MappingStore
	ClearSourcePayload(ctx context.Context, slug string, src model.SourceName) (int64, error)
}

// Candidate is one record offered by a source.
type Candidate struct {
	Identifier string
	Name       string
}

// Resolution is the outcome of resolving one entity against one source.
type Resolution struct {
	SourceIdentifier string
	Matched          bool
	Status           model.ValidationStatus
	Confidence       float64
	Method           string
}

// Options tunes automatic matching.
type Options struct {
	// Threshold is the minimum similarity (0..1) for a fuzzy match.
	Threshold float64
	// Margin is how far the best fuzzy score must lead the runner-up.
	Margin float64
}

// DefaultOptions returns the matcher defaults.
func DefaultOptions() Options {
	return Options{Threshold: 0.85, Margin: 0.05}
}

// Mapper resolves and administers identity mappings.
type Mapper struct {
	store Store
	opts  Options
	now   func() time.Time
}

// NewMapper creates a Mapper. Zero option fields take the defaults.
func NewMapper(s Store, opts Options) *Mapper {
	def := DefaultOptions()
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.Margin <= 0 {
		opts.Margin = def.Margin
	}
	return &Mapper{store: s, opts: opts, now: time.Now}
}

// Resolve finds the source identifier for canonical among candidates.
// Automatic matching only runs when auto is true; otherwise only stored
// mappings are used.
func (m *Mapper) Resolve(ctx context.Context, canonical string, src model.SourceName, candidates []Candidate, auto bool) (Resolution, error) {
	existing, err := m.store.GetMapping(ctx, canonical, src)
	if err != nil {
		return Resolution{}, eris.Wrapf(err, "identity: resolve %s/%s", src, canonical)
	}

	if existing != nil && existing.ValidationStatus == model.ValidationRejected {
		return unmatched(), nil
	}
	if existing != nil && existing.ManualOverride {
		if existing.SourceIdentifier == "" {
			return unmatched(), nil
		}
		return Resolution{
			SourceIdentifier: existing.SourceIdentifier,
			Matched:          true,
			Status:           existing.ValidationStatus,
			Confidence:       existing.Confidence,
			Method:           MethodManual,
		}, nil
	}

	byID := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.Identifier] = c
	}
	if existing.Matched() {
		if _, ok := byID[existing.SourceIdentifier]; ok {
			return Resolution{
				SourceIdentifier: existing.SourceIdentifier,
				Matched:          true,
				Status:           existing.ValidationStatus,
				Confidence:       existing.Confidence,
				Method:           MethodExisting,
			}, nil
		}
	}

	if !auto {
		if existing == nil {
			if err := m.record(ctx, canonical, src, unmatched(), nil); err != nil {
				return Resolution{}, err
			}
		}
		return unmatched(), nil
	}

	res := m.match(canonical, candidates)
	if err := m.record(ctx, canonical, src, res, existing); err != nil {
		return Resolution{}, err
	}
	if res.Matched {
		zap.L().Debug("identity matched",
			zap.String("canonical", canonical),
			zap.String("source", string(src)),
			zap.String("identifier", res.SourceIdentifier),
			zap.String("method", res.Method),
			zap.Float64("confidence", res.Confidence),
		)
	}
	return res, nil
}

// match runs the automatic matcher. It reads nothing but its arguments.
func (m *Mapper) match(canonical string, candidates []Candidate) Resolution {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Identifier < sorted[j].Identifier })

	want := model.NormalizeName(canonical)
	wantSlug := model.Slugify(canonical)
	if want == "" {
		return unmatched()
	}

	for _, c := range sorted {
		if model.NormalizeName(c.Name) == want || model.Slugify(c.Identifier) == wantSlug {
			return Resolution{
				SourceIdentifier: c.Identifier,
				Matched:          true,
				Status:           model.ValidationConfirmed,
				Confidence:       1.0,
				Method:           MethodExact,
			}
		}
	}

	var best, second float64
	var bestID string
	for _, c := range sorted {
		name := c.Name
		if name == "" {
			name = c.Identifier
		}
		score := levenshtein.Similarity(want, model.NormalizeName(name), nil)
		switch {
		case score > best:
			second = best
			best, bestID = score, c.Identifier
		case score > second:
			second = score
		}
	}
	if bestID == "" || best < m.opts.Threshold || best-second < m.opts.Margin {
		return unmatched()
	}
	return Resolution{
		SourceIdentifier: bestID,
		Matched:          true,
		Status:           model.ValidationPending,
		Confidence:       best,
		Method:           MethodFuzzy,
	}
}

// record upserts the automatic outcome, keeping the original CreatedAt.
func (m *Mapper) record(ctx context.Context, canonical string, src model.SourceName, res Resolution, existing *model.IdentityMapping) error {
	now := m.now().UTC()
	mp := &model.IdentityMapping{
		CanonicalName:    canonical,
		Source:           src,
		SourceIdentifier: res.SourceIdentifier,
		ValidationStatus: res.Status,
		Confidence:       res.Confidence,
		Reason:           res.Method,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if mp.ValidationStatus == "" {
		mp.ValidationStatus = model.ValidationPending
	}
	if existing != nil {
		mp.CreatedAt = existing.CreatedAt
	}
	return eris.Wrapf(m.store.UpsertMapping(ctx, mp), "identity: record %s/%s", src, canonical)
}

func unmatched() Resolution {
	return Resolution{Status: model.ValidationPending, Method: MethodNone}
}
