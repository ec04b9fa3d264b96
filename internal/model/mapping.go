package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ValidationStatus tracks whether an identity mapping has been reviewed.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationConfirmed ValidationStatus = "confirmed"
	ValidationRejected  ValidationStatus = "rejected"
)

// ParseValidationStatus validates a status string. Empty input yields pending.
func ParseValidationStatus(s string) (ValidationStatus, error) {
	switch ValidationStatus(s) {
	case "", ValidationPending:
		return ValidationPending, nil
	case ValidationConfirmed:
		return ValidationConfirmed, nil
	case ValidationRejected:
		return ValidationRejected, nil
	}
	return "", eris.Errorf("unknown validation status: %q (valid: pending, confirmed, rejected)", s)
}

// IdentityMapping links a canonical entity to one source's identifier. An
// empty SourceIdentifier records that the entity is unmatched for Source.
type IdentityMapping struct {
	CanonicalName    string           `json:"canonical_name" yaml:"canonical_name"`
	Source           SourceName       `json:"source" yaml:"source"`
	SourceIdentifier string           `json:"source_identifier" yaml:"source_identifier"`
	ManualOverride   bool             `json:"manual_override" yaml:"manual_override"`
	ValidationStatus ValidationStatus `json:"validation_status" yaml:"validation_status"`
	Confidence       float64          `json:"confidence" yaml:"confidence"`
	Reason           string           `json:"reason,omitempty" yaml:"reason,omitempty"`
	CreatedAt        time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time        `json:"updated_at" yaml:"-"`
}

// Matched reports whether the mapping resolves to a usable identifier.
func (m *IdentityMapping) Matched() bool {
	return m != nil && m.SourceIdentifier != "" && m.ValidationStatus != ValidationRejected
}

// MappingFilter selects which mappings to list.
type MappingFilter string

const (
	MappingsAll       MappingFilter = "all"
	MappingsMatched   MappingFilter = "matched"
	MappingsUnmatched MappingFilter = "unmatched"
	MappingsManual    MappingFilter = "manual"
)

// ParseMappingFilter validates a filter string. Empty input yields all.
func ParseMappingFilter(s string) (MappingFilter, error) {
	switch MappingFilter(s) {
	case "", MappingsAll:
		return MappingsAll, nil
	case MappingsMatched, MappingsUnmatched, MappingsManual:
		return MappingFilter(s), nil
	}
	return "", eris.Errorf("unknown mapping filter: %q (valid: all, matched, unmatched, manual)", s)
}
