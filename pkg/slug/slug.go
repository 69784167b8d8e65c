// Package slug derives URL-safe project slugs from display names, with a
// short random suffix to break collisions (spec §3, §9 supplement).
package slug

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// Slugify lowercases name, replaces every run of non-alphanumeric
// characters with a single hyphen, and trims leading/trailing hyphens. An
// empty or all-punctuation name falls back to "project".
func Slugify(name string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash && b.Len() > 0 {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "project"
	}
	return out
}

// Suffixed appends a short random token to base, for retrying a collided
// slug. The token is the first 5 base32 characters of a fresh UUID, the
// same entropy source the rest of the tree uses for every generated id.
func Suffixed(base string) string {
	id := uuid.New()
	token := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(id[:]))
	return base + "-" + token[:5]
}
