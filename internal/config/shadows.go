package config

import "github.com/tonimelisma/shadowgate/internal/names"

// SyncKeys expands the configured shadow documents into the flat key set
// the sync engine consumes: the classic shadow (unless disabled) plus every
// named shadow, in file order. Validate has already rejected bad names and
// duplicates.
func (c *Config) SyncKeys() []names.Key {
	var keys []names.Key

	for _, doc := range c.Synchronize.ShadowDocuments {
		if doc.SyncsClassic() {
			if key, err := names.NewKey(doc.ThingName, ""); err == nil {
				keys = append(keys, key)
			}
		}

		for _, shadow := range doc.NamedShadows {
			if key, err := names.NewKey(doc.ThingName, shadow); err == nil {
				keys = append(keys, key)
			}
		}
	}

	return keys
}
