package embed

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint computes a stable content hash for embeddable text.
// Returns ok=false for empty or whitespace-only text: such fields get no
// embedding rather than a wasted provider call.
//
// The hash is computed over the trimmed text so that incidental leading or
// trailing whitespace does not trigger regeneration.
func Fingerprint(text string) (hash string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:]), true
}

// Changed reports whether text differs from the content behind prevHash.
// An empty prevHash (no current embedding) counts as changed when the text
// is embeddable.
func Changed(prevHash, text string) bool {
	h, ok := Fingerprint(text)
	if !ok {
		// Nothing to embed; only "changed" if there used to be content.
		return prevHash != ""
	}
	return h != prevHash
}
