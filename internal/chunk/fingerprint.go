// Package chunk turns raw extracted content chunks into deduplicated,
// AI-ready intelligence chunks. Deduplication is per document: the same
// normalized text in two different documents stays two chunks.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Normalize canonicalizes chunk text for fingerprinting: lowercase, every
// whitespace run collapsed to a single space, leading/trailing whitespace
// trimmed. The stored chunk text keeps its original form; only the
// fingerprint sees the normalized one.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inSpace := false
	for _, r := range strings.ToLower(text) {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// Fingerprint returns the hex SHA-256 of the normalized text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}
