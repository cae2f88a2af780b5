package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"
)

// MaxTextBytes caps the text stored per transcript record.
const MaxTextBytes = 64 << 10

// truncateText cuts s to at most maxBytes without splitting a rune. When it
// cuts, it also reports the original size and the SHA-256 of the full text.
func truncateText(s string, maxBytes int) (string, bool, int, string) {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s, false, len(s), ""
	}
	sum := sha256.Sum256([]byte(s))
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true, len(s), hex.EncodeToString(sum[:])
}
