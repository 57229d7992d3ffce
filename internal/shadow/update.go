package shadow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxClientTokenLength bounds the optional clientToken echoed through
// accepted/rejected/delta/documents messages.
const MaxClientTokenLength = 64

// Update is a parsed update payload:
//
//	{ "version"?: u64, "state": { "desired"?: obj|null, "reported"?: obj|null }, "clientToken"?: str }
//
// Section presence is tracked separately from content because an explicit
// JSON null clears the whole section while an absent key leaves it alone.
type Update struct {
	// Version is nil when the payload omits it (auto-assign current+1).
	Version *int64

	ClientToken string

	Desired  Section
	Reported Section

	// State is the raw state node exactly as supplied, echoed back in the
	// accepted message.
	State json.RawMessage
}

// Section is one state section of an update payload.
type Section struct {
	// Present is true when the key appears in the patch at all.
	Present bool

	// Clear is true when the key is an explicit JSON null, which removes
	// the entire section.
	Clear bool

	// Values is the patch object; nil when Clear is set.
	Values map[string]any
}

var nullLiteral = []byte("null")

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), nullLiteral)
}

// ParseUpdate parses and shape-checks an update payload. Malformed JSON
// returns ErrInvalidDocument; well-formed JSON with the wrong shape returns
// ErrInvalidSchema. Version arithmetic is checked separately by
// ValidateVersion.
func ParseUpdate(data []byte) (*Update, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("shadow: parse update: %w: %v", ErrInvalidDocument, err)
	}

	for key := range top {
		switch key {
		case "version", "state", "clientToken":
		default:
			return nil, fmt.Errorf("shadow: parse update: %w: unexpected node %q", ErrInvalidSchema, key)
		}
	}

	stateRaw, ok := top["state"]
	if !ok {
		return nil, fmt.Errorf("shadow: parse update: %w: missing required node \"state\"", ErrInvalidSchema)
	}

	u := &Update{State: stateRaw}

	if raw, ok := top["version"]; ok && !isNull(raw) {
		var v int64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("shadow: parse update: %w: version must be an integer", ErrInvalidSchema)
		}

		if v < 1 {
			return nil, fmt.Errorf("shadow: parse update: %w: version must be positive", ErrInvalidSchema)
		}

		u.Version = &v
	}

	if raw, ok := top["clientToken"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &u.ClientToken); err != nil {
			return nil, fmt.Errorf("shadow: parse update: %w: clientToken must be a string", ErrInvalidSchema)
		}

		if len(u.ClientToken) > MaxClientTokenLength {
			return nil, fmt.Errorf("shadow: parse update: %w: clientToken exceeds %d characters", ErrInvalidSchema, MaxClientTokenLength)
		}
	}

	if isNull(stateRaw) {
		return nil, fmt.Errorf("shadow: parse update: %w: state must be an object", ErrInvalidSchema)
	}

	var state map[string]json.RawMessage
	if err := json.Unmarshal(stateRaw, &state); err != nil {
		return nil, fmt.Errorf("shadow: parse update: %w: state must be an object", ErrInvalidSchema)
	}

	for key := range state {
		switch key {
		case "desired", "reported":
		default:
			return nil, fmt.Errorf("shadow: parse update: %w: unexpected node %q under state", ErrInvalidSchema, key)
		}
	}

	var err error
	if u.Desired, err = parseSection(state, "desired"); err != nil {
		return nil, err
	}

	if u.Reported, err = parseSection(state, "reported"); err != nil {
		return nil, err
	}

	return u, nil
}

func parseSection(state map[string]json.RawMessage, name string) (Section, error) {
	raw, ok := state[name]
	if !ok {
		return Section{}, nil
	}

	if isNull(raw) {
		return Section{Present: true, Clear: true}, nil
	}

	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return Section{}, fmt.Errorf("shadow: parse update: %w: %s must be an object or null", ErrInvalidSchema, name)
	}

	return Section{Present: true, Values: values}, nil
}

// ValidateDepth rejects patch sections nesting deeper than maxDepth. The
// merged document can never nest deeper than its inputs, so checking the
// patch is sufficient when every stored document passed the same check.
func (u *Update) ValidateDepth(maxDepth int) error {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	if d := depth(u.Desired.Values); d > maxDepth {
		return fmt.Errorf("shadow: desired nests %d levels: %w (max %d)", d, ErrDepthExceeded, maxDepth)
	}

	if d := depth(u.Reported.Values); d > maxDepth {
		return fmt.Errorf("shadow: reported nests %d levels: %w (max %d)", d, ErrDepthExceeded, maxDepth)
	}

	return nil
}

// ValidateVersion enforces the optimistic-concurrency rule against the
// version the store would assign next. A patch may omit version entirely;
// when present it must equal exactly nextVersion (current + 1, counting
// tombstoned versions so resurrection stays monotonic).
func (u *Update) ValidateVersion(nextVersion int64) error {
	if u.Version == nil {
		return nil
	}

	if *u.Version != nextVersion {
		return fmt.Errorf("shadow: update version %d, expected %d: %w", *u.Version, nextVersion, ErrVersionConflict)
	}

	return nil
}
