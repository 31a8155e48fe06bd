package schema

import "errors"

var (
	// ErrSchemaAmbiguity is returned when an external id could belong to
	// more than one descriptor.
	ErrSchemaAmbiguity   = errors.New("schema ambiguity")
	ErrInvalidDescriptor = errors.New("invalid field descriptor")
	ErrDuplicatePath     = errors.New("duplicate logical path")
	ErrNotFound          = errors.New("logical path not in registry")
	ErrLoad              = errors.New("load registry")
)
