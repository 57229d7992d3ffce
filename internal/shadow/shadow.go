// Package shadow implements the versioned shadow document model: parsing,
// schema validation, structural merge with per-leaf metadata timestamps, and
// desired/reported delta computation.
//
// A document has two state sections (desired, reported) of arbitrary JSON
// objects, a metadata tree mirroring the state shape with per-leaf
// {"timestamp": secs} records, a monotonically increasing version, and an
// update timestamp. The delta section is always derived, never stored.
//
// All tree values use the encoding/json object mapping: map[string]any for
// objects, []any for arrays, float64 for numbers, string, bool, nil. Arrays
// and scalars are leaves and replace atomically.
package shadow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultMaxDepth is the default nesting limit of a state section. A scalar
// directly under desired/reported sits at depth 1.
const DefaultMaxDepth = 6

// Document is a parsed shadow document. The zero value is not meaningful;
// documents come from ParseDocument or Merge.
type Document struct {
	Desired  map[string]any
	Reported map[string]any
	Metadata Metadata

	// Version starts at 1 for new documents and increases by exactly one on
	// every accepted update, including resurrection after a delete.
	Version int64

	// Timestamp is the epoch-seconds time of the last accepted update.
	Timestamp int64
}

// Metadata mirrors the state sections with {"timestamp": secs} leaves.
type Metadata struct {
	Desired  map[string]any
	Reported map[string]any
}

// documentJSON is the wire/storage shape of a full document.
type documentJSON struct {
	State     stateJSON     `json:"state"`
	Metadata  *metadataJSON `json:"metadata,omitempty"`
	Version   int64         `json:"version"`
	Timestamp int64         `json:"timestamp,omitempty"`
}

type stateJSON struct {
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
	Delta    map[string]any `json:"delta,omitempty"`
}

type metadataJSON struct {
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
}

// ParseDocument parses stored or cloud document bytes. A delta section on
// the input is ignored (it is always recomputed). Returns ErrInvalidDocument
// for malformed JSON or a non-object document.
func ParseDocument(data []byte) (*Document, error) {
	var raw documentJSON

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("shadow: parse document: %w: %v", ErrInvalidDocument, err)
	}

	doc := &Document{
		Desired:   raw.State.Desired,
		Reported:  raw.State.Reported,
		Version:   raw.Version,
		Timestamp: raw.Timestamp,
	}

	if raw.Metadata != nil {
		doc.Metadata = Metadata{
			Desired:  raw.Metadata.Desired,
			Reported: raw.Metadata.Reported,
		}
	}

	return doc, nil
}

// Marshal renders the document for storage and cloud pushes: state sections,
// metadata, version and timestamp, without the derived delta.
func (d *Document) Marshal() ([]byte, error) {
	return d.render(true, false)
}

// Render produces the full read view: state with the computed delta section,
// optionally metadata, version and timestamp. This is the GetThingShadow
// response shape.
func (d *Document) Render(includeMetadata bool) ([]byte, error) {
	return d.render(includeMetadata, true)
}

func (d *Document) render(includeMetadata, includeDelta bool) ([]byte, error) {
	out := documentJSON{
		State: stateJSON{
			Desired:  d.Desired,
			Reported: d.Reported,
		},
		Version:   d.Version,
		Timestamp: d.Timestamp,
	}

	if includeDelta {
		if delta, ok := Delta(d); ok {
			out.State.Delta = delta.State
		}
	}

	if includeMetadata && (d.Metadata.Desired != nil || d.Metadata.Reported != nil) {
		out.Metadata = &metadataJSON{
			Desired:  d.Metadata.Desired,
			Reported: d.Metadata.Reported,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("shadow: render document: %w", err)
	}

	return data, nil
}

// Clone returns a deep copy. Merge never mutates its input, but callers that
// hold documents across goroutines still need isolated copies.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}

	return &Document{
		Desired:  deepCopyMap(d.Desired),
		Reported: deepCopyMap(d.Reported),
		Metadata: Metadata{
			Desired:  deepCopyMap(d.Metadata.Desired),
			Reported: deepCopyMap(d.Metadata.Reported),
		},
		Version:   d.Version,
		Timestamp: d.Timestamp,
	}
}

// Equal reports whether two documents carry the same state sections. Version,
// timestamp and metadata are excluded: sync reconciliation compares content,
// not bookkeeping.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}

	return treeEqual(normalizeEmpty(d.Desired), normalizeEmpty(other.Desired)) &&
		treeEqual(normalizeEmpty(d.Reported), normalizeEmpty(other.Reported))
}

// ValueEqual reports deep equality of two JSON-shaped values.
func ValueEqual(a, b any) bool {
	return treeEqual(a, b)
}

// normalizeEmpty maps an empty section to nil so absent and {} compare equal.
func normalizeEmpty(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}

	return m
}

// deepCopyMap copies a JSON object tree. Scalars are immutable and shared;
// maps and slices are duplicated.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}

	return out
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = deepCopyValue(e)
		}

		return out
	default:
		return v
	}
}

// treeEqual compares two JSON values structurally. Objects compare per key,
// arrays element-wise in order, scalars by value. Numbers are float64 from
// encoding/json, so 1 and 1.0 compare equal.
func treeEqual(a, b any) bool {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)

	if aIsMap != bIsMap {
		return false
	}

	if aIsMap {
		if len(am) != len(bm) {
			return false
		}

		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !treeEqual(av, bv) {
				return false
			}
		}

		return true
	}

	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)

	if aIsSlice != bIsSlice {
		return false
	}

	if aIsSlice {
		if len(as) != len(bs) {
			return false
		}

		for i := range as {
			if !treeEqual(as[i], bs[i]) {
				return false
			}
		}

		return true
	}

	return a == b
}

// depth returns the nesting depth of a state section tree. A scalar directly
// under the section has depth 1; each enclosing object adds one level.
// Arrays are leaves and do not add depth.
func depth(m map[string]any) int {
	deepest := 0
	for _, v := range m {
		d := 1
		if child, ok := v.(map[string]any); ok {
			d = 1 + depth(child)
		}

		if d > deepest {
			deepest = d
		}
	}

	return deepest
}
