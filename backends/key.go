package backends

import "strings"

// Key composes the storage key for an archive filename under the
// configured prefix. Empty components are omitted, so with no prefix
// the key is the filename itself with no leading separator. Derivation
// is deterministic and distinct filenames sharing a prefix never
// collide.
func Key(prefix, filename string) string {
	parts := make([]string, 0, 2)
	for _, part := range []string{prefix, filename} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "/")
}
