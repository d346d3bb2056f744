package feedback

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives a short stable identifier from chunk text that
// survives re-chunking cosmetics: the text is lowercased and
// whitespace-collapsed before hashing.
func Fingerprint(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:8])
}
