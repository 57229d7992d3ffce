package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps each config section (dotted path, "" for top level) to its
// valid keys. Section names themselves are keys of the top level.
var knownKeys = map[string][]string{
	"": {
		"cloud", "document_size_limit_bytes", "logging",
		"max_disk_utilization_mb", "mqtt", "rate_limits",
		"strategy", "synchronize",
	},
	"strategy": {"delay", "type"},
	"synchronize": {
		"direction", "max_outbound_updates_per_second",
		"provide_sync_status", "shadow_documents",
	},
	"synchronize.shadow_documents": {"classic", "named_shadows", "thing_name"},
	"rate_limits": {
		"max_local_requests_per_second_per_thing",
		"max_total_local_request_rate",
	},
	"cloud":   {"endpoint", "timeout", "token_file"},
	"mqtt":    {"broker_url", "ca_file", "cert_file", "client_id", "key_file"},
	"logging": {"format", "level"},
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each unknown key. Every key in
// the schema decodes into a struct field, so anything undecoded is a typo
// or a stray section.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		parts := []string(key)
		leaf := parts[len(parts)-1]
		section := strings.Join(parts[:len(parts)-1], ".")

		candidates, ok := knownKeys[section]
		if !ok {
			// The enclosing section is itself unknown; it is reported
			// on its own undecoded entry.
			continue
		}

		if suggestion := closestMatch(leaf, candidates); suggestion != "" {
			errs = append(errs, fmt.Errorf("unknown config key %q — did you mean %q?", key.String(), suggestion))
		} else {
			errs = append(errs, fmt.Errorf("unknown config key %q", key.String()))
		}
	}

	return errors.Join(errs...)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
// Candidate lists are kept sorted for deterministic suggestions when two
// candidates have the same edit distance.
func closestMatch(unknown string, known []string) string {
	if !sort.StringsAreSorted(known) {
		sorted := append([]string(nil), known...)
		sort.Strings(sorted)
		known = sorted
	}

	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization avoids allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 0; i < len(a); i++ {
		curr[0] = i + 1

		for j := 0; j < len(b); j++ {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
