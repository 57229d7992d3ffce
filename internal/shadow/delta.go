package shadow

// DeltaResult holds the per-leaf difference desired − reported and the
// matching metadata tree. State keys mirror the desired section shape with
// the desired values; metadata leaves carry the most recent timestamp of the
// desired/reported pair.
type DeltaResult struct {
	State    map[string]any
	Metadata map[string]any
}

// Delta computes desired − reported at leaf granularity. Returns false when
// the desired section is absent or every desired leaf equals its reported
// counterpart. Arrays and scalars compare atomically.
func Delta(d *Document) (*DeltaResult, bool) {
	if d == nil || len(d.Desired) == 0 {
		return nil, false
	}

	state, meta := deltaMaps(d.Desired, d.Reported, d.Metadata.Desired, d.Metadata.Reported)
	if len(state) == 0 {
		return nil, false
	}

	return &DeltaResult{State: state, Metadata: meta}, true
}

// deltaMaps walks the desired tree collecting leaves that differ from
// reported, mirroring metadata alongside.
func deltaMaps(desired, reported, desiredMeta, reportedMeta map[string]any) (map[string]any, map[string]any) {
	state := make(map[string]any)
	meta := make(map[string]any)

	for key, dv := range desired {
		rv, reportedHas := reported[key]

		dvObj, dvIsMap := dv.(map[string]any)
		rvObj, rvIsMap := rv.(map[string]any)

		switch {
		case dvIsMap && rvIsMap:
			childState, childMeta := deltaMaps(dvObj, rvObj, childMap(desiredMeta, key), childMap(reportedMeta, key))
			if len(childState) > 0 {
				state[key] = childState
				meta[key] = childMeta
			}

		case dvIsMap:
			// Reported side is a scalar, array or absent: the whole desired
			// subtree is the delta, with the desired-side metadata.
			state[key] = deepCopyMap(dvObj)
			if m := childMap(desiredMeta, key); m != nil {
				meta[key] = deepCopyMap(m)
			}

		default:
			if reportedHas && treeEqual(dv, rv) {
				continue
			}

			state[key] = deepCopyValue(dv)
			if stamp := newerStamp(desiredMeta[key], reportedMeta[key]); stamp != nil {
				meta[key] = stamp
			}
		}
	}

	return state, meta
}

func childMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}

	child, _ := m[key].(map[string]any)

	return child
}

// newerStamp picks the metadata leaf with the larger timestamp. Either side
// may be missing or, after a section replace, the wrong shape.
func newerStamp(a, b any) any {
	at, aOK := stampTime(a)
	bt, bOK := stampTime(b)

	switch {
	case aOK && bOK:
		if bt > at {
			return deepCopyValue(b)
		}

		return deepCopyValue(a)
	case aOK:
		return deepCopyValue(a)
	case bOK:
		return deepCopyValue(b)
	default:
		return nil
	}
}

// stampTime extracts the timestamp from a {"timestamp": secs} metadata leaf.
// Parsed metadata carries float64 from encoding/json; freshly merged leaves
// carry int64.
func stampTime(v any) (int64, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}

	switch t := m["timestamp"].(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}
