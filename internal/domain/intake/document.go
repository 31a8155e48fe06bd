// Package intake defines the nested onboarding document accepted at the
// intake boundary.
//
// The document is kept as generic JSON so that sections and keys this
// service does not know about survive untouched; only known sections are
// checked against the leaf-type rules.
package intake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Known top-level sections of an onboarding application.
const (
	SectionCompanyInfo        = "companyInfo"
	SectionPrimaryContact     = "primaryContact"
	SectionServicesExperience = "servicesExperience"
	SectionRolesCapabilities  = "rolesCapabilities"
	SectionCertifications     = "certifications"
	SectionInsurance          = "insurance"
	SectionHealthSafety       = "healthSafety"
	SectionPolicies           = "policies"
	SectionProjectReferences  = "projectReferences"
	SectionLegalCompliance    = "legalCompliance"
	SectionAgreement          = "agreement"
	SectionSubmission         = "submission"
)

// Sections lists the known sections in form order.
var Sections = []string{
	SectionCompanyInfo,
	SectionPrimaryContact,
	SectionServicesExperience,
	SectionRolesCapabilities,
	SectionCertifications,
	SectionInsurance,
	SectionHealthSafety,
	SectionPolicies,
	SectionProjectReferences,
	SectionLegalCompliance,
	SectionAgreement,
	SectionSubmission,
}

// Document is one decoded intake document. Numbers decode as json.Number.
type Document map[string]any

// Decode parses raw into a Document. The payload must be a single JSON object.
func Decode(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after document", ErrMalformed)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: document must be a JSON object", ErrMalformed)
	}
	return Document(obj), nil
}

// Validate checks the leaf-type rules inside known sections: every leaf must
// be a string, number, boolean, null or an array of strings.
func (d Document) Validate() error {
	for _, name := range Sections {
		v, ok := d[name]
		if !ok || v == nil {
			continue
		}
		if err := validateNode(name, v); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(path string, v any) error {
	switch t := v.(type) {
	case nil, string, bool, json.Number, float64:
		return nil
	case map[string]any:
		for k, child := range t {
			if err := validateNode(path+"."+k, child); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, el := range t {
			if _, ok := el.(string); !ok {
				return fmt.Errorf("%w: %s[%d] must be a string", ErrInvalidLeaf, path, i)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidLeaf, path, v)
	}
}

// Lookup resolves a dot-separated path. It returns false when any segment
// is missing or an intermediate value is not an object.
func (d Document) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(d)
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Section returns a known section as an object, or nil when absent.
func (d Document) Section(name string) map[string]any {
	obj, _ := d[name].(map[string]any)
	return obj
}

// UnknownSections lists, sorted, the top-level keys that are not known sections.
func (d Document) UnknownSections() []string {
	known := make(map[string]struct{}, len(Sections))
	for _, s := range Sections {
		known[s] = struct{}{}
	}
	var out []string
	for k := range d {
		if _, ok := known[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
