// Package schema holds the Schema Registry: the declarative mapping from
// intake document paths to external record store columns.
//
// A registry is loaded once at start-up and never mutated afterwards. New
// column names observed in the external store are handled by editing the
// registry source: prepend the new id to a descriptor's ids and keep the
// old one as a fallback alias.
package schema

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var defaultRegistry []byte

// ValueType is the logical type of a field in the external store.
type ValueType string

const (
	TypeText        ValueType = "text"
	TypeNote        ValueType = "note"
	TypeNumber      ValueType = "number"
	TypeBoolean     ValueType = "boolean"
	TypeChoice      ValueType = "choice"
	TypeMultiChoice ValueType = "multiChoice"
	TypeDateTime    ValueType = "datetime"
)

// Encoding is the wire representation an external column requires.
type Encoding string

const (
	EncodingNone    Encoding = ""
	EncodingNative  Encoding = "native"  // boolean as JSON true/false
	EncodingYesNo   Encoding = "yesNo"   // boolean as "Yes"/"No" text
	EncodingWrapped Encoding = "wrapped" // choice as {"Value": "..."}
	EncodingPlain   Encoding = "plain"   // choice as bare string
	EncodingArray   Encoding = "array"   // multiChoice as ["a","b"]
	EncodingResults Encoding = "results" // multiChoice as {"results": ["a","b"]}
)

// DefaultTextMaxLength is the single-line text column limit applied when a
// text descriptor does not declare one.
const DefaultTextMaxLength = 255

var encodingsByType = map[ValueType][]Encoding{
	TypeText:        {EncodingNone},
	TypeNote:        {EncodingNone},
	TypeNumber:      {EncodingNone},
	TypeDateTime:    {EncodingNone},
	TypeBoolean:     {EncodingNative, EncodingYesNo},
	TypeChoice:      {EncodingWrapped, EncodingPlain},
	TypeMultiChoice: {EncodingArray, EncodingResults},
}

// FieldDescriptor describes one projected field.
type FieldDescriptor struct {
	// Path is the dot-path into the intake document.
	Path string `yaml:"path" json:"logicalPath"`
	// ExternalIDs lists column ids: canonical first, then aliases newest-first.
	ExternalIDs []string  `yaml:"ids" json:"externalIds"`
	Type        ValueType `yaml:"type" json:"valueType"`
	Required    bool      `yaml:"required,omitempty" json:"required"`
	Encoding    Encoding  `yaml:"encoding,omitempty" json:"encoding,omitempty"`
	// MaxLength truncates text values; 0 means the type default.
	MaxLength int `yaml:"maxLength,omitempty" json:"maxLength,omitempty"`
	// Fanout marks a path deliberately mapped to more than one column.
	Fanout bool `yaml:"fanout,omitempty" json:"fanout,omitempty"`
}

// Canonical returns the preferred external id.
func (d FieldDescriptor) Canonical() string { return d.ExternalIDs[0] }

// Aliases returns the fallback ids in declared order.
func (d FieldDescriptor) Aliases() []string { return d.ExternalIDs[1:] }

type source struct {
	Version int               `yaml:"version"`
	Fields  []FieldDescriptor `yaml:"fields"`
}

// Registry is an immutable, validated set of descriptors.
type Registry struct {
	descriptors []FieldDescriptor
	byPath      map[string][]int
	byID        map[string]int
	version     string
}

// Default returns the registry embedded in the binary.
func Default() (*Registry, error) {
	return Load(bytes.NewReader(defaultRegistry))
}

// LoadFile loads a registry from a YAML file.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes and validates a registry. Unknown YAML keys are rejected.
func Load(r io.Reader) (*Registry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var src source
	if err := dec.Decode(&src); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	reg, err := New(src.Fields)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	reg.version = hex.EncodeToString(sum[:8])
	return reg, nil
}

// New validates descriptors and builds a registry from them. Descriptor
// order is preserved and drives projection order.
func New(descs []FieldDescriptor) (*Registry, error) {
	reg := &Registry{
		descriptors: make([]FieldDescriptor, 0, len(descs)),
		byPath:      make(map[string][]int, len(descs)),
		byID:        make(map[string]int, len(descs)),
	}

	for i, d := range descs {
		d, err := normalize(d)
		if err != nil {
			return nil, fmt.Errorf("field %d (%s): %w", i, d.Path, err)
		}
		if prev, ok := reg.byID[d.Canonical()]; ok {
			return nil, fmt.Errorf("%w: %q is canonical for both %s and %s",
				ErrSchemaAmbiguity, d.Canonical(), reg.descriptors[prev].Path, d.Path)
		}
		reg.byID[d.Canonical()] = len(reg.descriptors)
		reg.byPath[d.Path] = append(reg.byPath[d.Path], len(reg.descriptors))
		reg.descriptors = append(reg.descriptors, d)
	}

	for path, idx := range reg.byPath {
		if len(idx) < 2 {
			continue
		}
		for _, i := range idx {
			if !reg.descriptors[i].Fanout {
				return nil, fmt.Errorf("%w: %s is declared %d times without fanout", ErrDuplicatePath, path, len(idx))
			}
		}
	}

	// An alias that is another field's canonical id would let a fallback
	// write land in the wrong column.
	for i, d := range reg.descriptors {
		seen := map[string]struct{}{d.Canonical(): {}}
		for _, alias := range d.Aliases() {
			if owner, ok := reg.byID[alias]; ok && owner != i {
				return nil, fmt.Errorf("%w: alias %q of %s is canonical for %s",
					ErrSchemaAmbiguity, alias, d.Path, reg.descriptors[owner].Path)
			}
			if _, dup := seen[alias]; dup {
				return nil, fmt.Errorf("field %s: %w: id %q listed twice", d.Path, ErrInvalidDescriptor, alias)
			}
			seen[alias] = struct{}{}
		}
	}

	return reg, nil
}

func normalize(d FieldDescriptor) (FieldDescriptor, error) {
	if d.Path == "" {
		return d, fmt.Errorf("%w: empty path", ErrInvalidDescriptor)
	}
	if len(d.ExternalIDs) == 0 {
		return d, fmt.Errorf("%w: no external ids", ErrInvalidDescriptor)
	}
	for _, id := range d.ExternalIDs {
		if id == "" {
			return d, fmt.Errorf("%w: empty external id", ErrInvalidDescriptor)
		}
	}
	allowed, ok := encodingsByType[d.Type]
	if !ok {
		return d, fmt.Errorf("%w: unknown type %q", ErrInvalidDescriptor, d.Type)
	}
	if d.Encoding == EncodingNone {
		d.Encoding = allowed[0]
	}
	valid := false
	for _, e := range allowed {
		if e == d.Encoding {
			valid = true
			break
		}
	}
	if !valid {
		return d, fmt.Errorf("%w: encoding %q not valid for %s", ErrInvalidDescriptor, d.Encoding, d.Type)
	}
	if d.MaxLength < 0 {
		return d, fmt.Errorf("%w: negative maxLength", ErrInvalidDescriptor)
	}
	if d.Type == TypeText && d.MaxLength == 0 {
		d.MaxLength = DefaultTextMaxLength
	}
	d.ExternalIDs = append([]string(nil), d.ExternalIDs...)
	return d, nil
}

// Resolve returns the first descriptor declared for path.
func (r *Registry) Resolve(path string) (FieldDescriptor, error) {
	idx, ok := r.byPath[path]
	if !ok {
		return FieldDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return r.descriptors[idx[0]], nil
}

// ResolveAll returns every descriptor declared for path.
func (r *Registry) ResolveAll(path string) []FieldDescriptor {
	idx := r.byPath[path]
	out := make([]FieldDescriptor, len(idx))
	for i, j := range idx {
		out[i] = r.descriptors[j]
	}
	return out
}

// ByExternalID returns the descriptor whose canonical id is id.
func (r *Registry) ByExternalID(id string) (FieldDescriptor, bool) {
	i, ok := r.byID[id]
	if !ok {
		return FieldDescriptor{}, false
	}
	return r.descriptors[i], true
}

// Descriptors returns a copy of all descriptors in declaration order.
func (r *Registry) Descriptors() []FieldDescriptor {
	out := make([]FieldDescriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Len returns the number of descriptors.
func (r *Registry) Len() int { return len(r.descriptors) }

// Version identifies the registry source; empty for registries built with New.
func (r *Registry) Version() string { return r.version }
