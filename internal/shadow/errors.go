package shadow

import "errors"

// Sentinel errors for document validation. Callers classify with errors.Is
// and map these onto the IPC error taxonomy.
var (
	// ErrInvalidDocument indicates bytes that do not parse as a shadow
	// document or update payload.
	ErrInvalidDocument = errors.New("invalid shadow document")

	// ErrInvalidSchema indicates well-formed JSON with the wrong shape:
	// missing state node, non-object sections, or unexpected keys.
	ErrInvalidSchema = errors.New("invalid shadow schema")

	// ErrDepthExceeded indicates a state subtree nested deeper than the
	// configured maximum.
	ErrDepthExceeded = errors.New("document depth exceeded")

	// ErrVersionConflict indicates an update whose version does not equal
	// the current document version + 1.
	ErrVersionConflict = errors.New("version conflict")
)
