// Package names provides type-safe shadow identity for the (thing, shadow)
// pair and the MQTT topic grammar built on it. It consolidates name
// validation and topic construction/parsing so handlers, the store, and the
// sync engine never concatenate raw strings.
//
// This is a leaf package with zero external dependencies beyond stdlib.
package names

import (
	"fmt"
	"strings"
)

// Name length limits. Thing names are required; shadow names are optional
// (an empty shadow name addresses the classic, unnamed shadow).
const (
	MaxThingNameLength  = 128
	MaxShadowNameLength = 64
)

// Key is a comparable (thing, shadow) pair used as the identity of a shadow
// document throughout the codebase: store rows, lock keys, sync queues, and
// MQTT subscriptions all key on it.
//
// Comparable: both fields are plain strings, so Key supports == and map
// keying directly.
type Key struct {
	Thing  string
	Shadow string
}

// NewKey validates both components and returns the Key. The shadow name may
// be empty (classic shadow).
func NewKey(thing, shadow string) (Key, error) {
	if err := ValidateThingName(thing); err != nil {
		return Key{}, err
	}

	if err := ValidateShadowName(shadow); err != nil {
		return Key{}, err
	}

	return Key{Thing: thing, Shadow: shadow}, nil
}

// IsClassic reports whether the key addresses the unnamed (classic) shadow.
func (k Key) IsClassic() bool {
	return k.Shadow == ""
}

// String returns "thing" for classic shadows and "thing/shadow" for named
// ones, for logging and error messages.
func (k Key) String() string {
	if k.Shadow == "" {
		return k.Thing
	}

	return k.Thing + "/" + k.Shadow
}

// ValidateThingName checks the required thing-name rules: non-empty, at most
// 128 characters, restricted to [a-zA-Z0-9:_-].
func ValidateThingName(thing string) error {
	if thing == "" {
		return fmt.Errorf("names: thing name is required")
	}

	if len(thing) > MaxThingNameLength {
		return fmt.Errorf("names: thing name %q exceeds %d characters", thing, MaxThingNameLength)
	}

	if i := invalidNameByte(thing); i >= 0 {
		return fmt.Errorf("names: thing name %q has invalid character %q (allowed: a-z A-Z 0-9 : _ -)", thing, thing[i])
	}

	return nil
}

// ValidateShadowName checks the optional shadow-name rules: empty is allowed
// (classic shadow), otherwise at most 64 characters of [a-zA-Z0-9:_-].
func ValidateShadowName(shadow string) error {
	if shadow == "" {
		return nil
	}

	if len(shadow) > MaxShadowNameLength {
		return fmt.Errorf("names: shadow name %q exceeds %d characters", shadow, MaxShadowNameLength)
	}

	if i := invalidNameByte(shadow); i >= 0 {
		return fmt.Errorf("names: shadow name %q has invalid character %q (allowed: a-z A-Z 0-9 : _ -)", shadow, shadow[i])
	}

	return nil
}

// invalidNameByte returns the index of the first byte outside [a-zA-Z0-9:_-],
// or -1 if all bytes are valid. The charset is ASCII-only, so byte-wise
// scanning is exact.
func invalidNameByte(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == ':' || c == '_' || c == '-':
		default:
			return i
		}
	}

	return -1
}

// AuthzResource returns the resource string presented to the authorizer:
// "<thing>/shadow" for classic shadows, "<thing>/shadow/<name>" for named.
func (k Key) AuthzResource() string {
	if k.Shadow == "" {
		return k.Thing + "/shadow"
	}

	return k.Thing + "/shadow/" + k.Shadow
}

// topicPrefix returns "$aws/things/<thing>/shadow" with the optional
// "/name/<shadow>" segment.
func (k Key) topicPrefix() string {
	var b strings.Builder
	b.WriteString("$aws/things/")
	b.WriteString(k.Thing)
	b.WriteString("/shadow")

	if k.Shadow != "" {
		b.WriteString("/name/")
		b.WriteString(k.Shadow)
	}

	return b.String()
}
