package shadow

// Merge applies an update to the current document (nil for a new shadow) and
// returns the merged document plus the metadata entries for the leaves the
// patch actually touched (the accepted-message "metadata" node).
//
// Merge rules, per section:
//   - an explicit null section removes the whole section and its metadata
//   - a null leaf deletes that leaf; an object emptied only by deletions is
//     removed from its parent, recursively
//   - object onto object recurses; anything else replaces atomically
//   - every set leaf gets a fresh {"timestamp": now} metadata record
//
// The input document is never mutated. Version and timestamp of the result
// are set from the arguments; callers decide the next version (ValidateVersion
// has already enforced the optimistic-concurrency rule).
func Merge(current *Document, u *Update, version, now int64) (*Document, Metadata) {
	doc := current.Clone()
	if doc == nil {
		doc = &Document{}
	}

	var touched Metadata

	doc.Desired, doc.Metadata.Desired, touched.Desired =
		mergeSection(doc.Desired, doc.Metadata.Desired, u.Desired, now)
	doc.Reported, doc.Metadata.Reported, touched.Reported =
		mergeSection(doc.Reported, doc.Metadata.Reported, u.Reported, now)

	doc.Version = version
	doc.Timestamp = now

	return doc, touched
}

// mergeSection applies one section of the patch. Returns the new section
// values, new section metadata, and the touched-metadata subtree. Empty
// sections normalize to nil (absent).
func mergeSection(cur, meta map[string]any, sec Section, ts int64) (map[string]any, map[string]any, map[string]any) {
	if !sec.Present {
		return cur, meta, nil
	}

	if sec.Clear {
		return nil, nil, nil
	}

	if cur == nil {
		cur = make(map[string]any)
	}

	if meta == nil {
		meta = make(map[string]any)
	}

	touched, _ := mergeMaps(cur, meta, sec.Values, ts)

	if len(cur) == 0 {
		cur = nil
	}

	if len(meta) == 0 {
		meta = nil
	}

	return cur, meta, touched
}

// mergeMaps merges patch into cur, mirroring every change into meta. Both
// cur and meta are mutated in place (callers pass copies). Returns the
// touched-metadata subtree and whether any deletion happened at or below
// this level, which drives emptied-parent cleanup.
func mergeMaps(cur, meta, patch map[string]any, ts int64) (map[string]any, bool) {
	touched := make(map[string]any)
	deleted := false

	for key, pv := range patch {
		switch value := pv.(type) {
		case nil:
			if _, ok := cur[key]; ok {
				delete(cur, key)
				delete(meta, key)
				deleted = true
			}

		case map[string]any:
			if child, ok := cur[key].(map[string]any); ok {
				childMeta, _ := meta[key].(map[string]any)
				if childMeta == nil {
					childMeta = make(map[string]any)
					meta[key] = childMeta
				}

				childTouched, childDeleted := mergeMaps(child, childMeta, value, ts)

				if len(child) == 0 && childDeleted {
					delete(cur, key)
					delete(meta, key)
					deleted = true
					continue
				}

				if len(childTouched) > 0 {
					touched[key] = childTouched
				}

				deleted = deleted || childDeleted
				continue
			}

			// Replace a scalar, array or absent value with an object: nulls
			// in the patch object are deletions of nothing and are stripped.
			fresh, freshMeta, emptied := freshValue(value, ts)
			if emptied {
				if _, ok := cur[key]; ok {
					delete(cur, key)
					delete(meta, key)
					deleted = true
				}

				continue
			}

			cur[key] = fresh
			meta[key] = freshMeta
			touched[key] = deepCopyValue(freshMeta)

		default:
			cur[key] = deepCopyValue(pv)
			stamp := map[string]any{"timestamp": ts}
			meta[key] = stamp
			touched[key] = map[string]any{"timestamp": ts}
		}
	}

	return touched, deleted
}

// StampMetadata builds a metadata mirror for a state section with every leaf
// stamped ts. Used when adopting a document that arrived without metadata.
func StampMetadata(state map[string]any, ts int64) map[string]any {
	if state == nil {
		return nil
	}

	_, meta, _ := freshValue(state, ts)

	m, ok := meta.(map[string]any)
	if !ok {
		return nil
	}

	return m
}

// freshValue builds the stored form of a patch value landing where no object
// existed, with its metadata mirror. Null leaves are stripped; emptied is
// true when the value reduced to an empty object solely through stripping,
// which callers treat as a deletion.
func freshValue(v any, ts int64) (any, any, bool) {
	obj, isMap := v.(map[string]any)
	if !isMap {
		return deepCopyValue(v), map[string]any{"timestamp": ts}, false
	}

	out := make(map[string]any, len(obj))
	metaOut := make(map[string]any, len(obj))
	stripped := false

	for key, child := range obj {
		if child == nil {
			stripped = true
			continue
		}

		cv, cm, emptied := freshValue(child, ts)
		if emptied {
			stripped = true
			continue
		}

		out[key] = cv
		metaOut[key] = cm
	}

	return out, metaOut, len(out) == 0 && stripped
}
