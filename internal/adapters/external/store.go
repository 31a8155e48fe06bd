// Package external talks to the list-based external record store that
// submissions are projected into.
package external

import (
	"context"
	"slices"
)

// Reason explains why the store refused a single field.
type Reason string

const (
	ReasonUnknownField Reason = "unknownField"
	ReasonTypeMismatch Reason = "typeMismatch"
)

// Rejection is a field-level refusal.
type Rejection struct {
	Field   string `json:"field"`
	Reason  Reason `json:"reason"`
	Message string `json:"message,omitempty"`
}

// WriteResult reports what happened to each field of a write. Fields listed
// in neither slice were not written.
type WriteResult struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

// IsAccepted reports whether field was written.
func (r WriteResult) IsAccepted(field string) bool {
	return slices.Contains(r.Accepted, field)
}

// Rejection returns the refusal recorded for field, if any.
func (r WriteResult) Rejection(field string) (Rejection, bool) {
	for _, rej := range r.Rejected {
		if rej.Field == field {
			return rej, true
		}
	}
	return Rejection{}, false
}

// Store upserts one list item keyed by submission id. Writes are idempotent:
// repeating a write with the same fields leaves the item unchanged.
type Store interface {
	Write(ctx context.Context, key string, fields map[string]any) (WriteResult, error)
}
