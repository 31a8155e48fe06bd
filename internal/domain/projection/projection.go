// Package projection flattens an intake document into the flat field set
// written to the external record store.
package projection

import (
	"github.com/okian/intake/internal/domain/coerce"
	"github.com/okian/intake/internal/domain/intake"
	"github.com/okian/intake/internal/domain/schema"
)

// PendingField is one coerced value ready for delivery under its canonical id.
type PendingField struct {
	ExternalID  string `json:"externalId"`
	Value       any    `json:"value"`
	LogicalPath string `json:"logicalPath"`
	// Ordinal distinguishes fan-out descriptors sharing a logical path.
	Ordinal    int                    `json:"ordinal"`
	Descriptor schema.FieldDescriptor `json:"-"`
	// Refused counts the leading ids, canonical first, that the store
	// already refused in an earlier delivery of this field.
	Refused int `json:"-"`
}

// Key identifies a field within one submission.
func (p PendingField) Key() FieldKey {
	return FieldKey{LogicalPath: p.LogicalPath, Ordinal: p.Ordinal}
}

// FieldKey is the ledger identity of a projected field.
type FieldKey struct {
	LogicalPath string
	Ordinal     int
}

// IssueReport describes a coercion problem for one field.
type IssueReport struct {
	LogicalPath string       `json:"logicalPath"`
	ExternalID  string       `json:"externalId"`
	Required    bool         `json:"required"`
	Issue       coerce.Issue `json:"issue"`
}

// Project flattens doc using reg. Every descriptor yields exactly one field,
// in declaration order; absent paths take the type default.
func Project(doc intake.Document, reg *schema.Registry) []PendingField {
	out, _ := ProjectWithIssues(doc, reg)
	return out
}

// ProjectWithIssues is Project plus the coercion issues found on the way.
// Optional fields that are simply absent are not reported.
func ProjectWithIssues(doc intake.Document, reg *schema.Registry) ([]PendingField, []IssueReport) {
	descs := reg.Descriptors()
	out := make([]PendingField, 0, len(descs))
	var issues []IssueReport
	ordinals := make(map[string]int, len(descs))

	for _, d := range descs {
		v, _ := doc.Lookup(d.Path)
		value, issue := coerce.CoerceDetail(v, d)

		ord := ordinals[d.Path]
		ordinals[d.Path] = ord + 1

		out = append(out, PendingField{
			ExternalID:  d.Canonical(),
			Value:       value,
			LogicalPath: d.Path,
			Ordinal:     ord,
			Descriptor:  d,
		})

		if issue == coerce.IssueNone || (issue == coerce.IssueMissing && !d.Required) {
			continue
		}
		issues = append(issues, IssueReport{
			LogicalPath: d.Path,
			ExternalID:  d.Canonical(),
			Required:    d.Required,
			Issue:       issue,
		})
	}
	return out, issues
}

// Fields builds the flat payload for a bulk write keyed by each field's
// canonical id.
func Fields(pending []PendingField) map[string]any {
	out := make(map[string]any, len(pending))
	for _, p := range pending {
		out[p.ExternalID] = p.Value
	}
	return out
}
