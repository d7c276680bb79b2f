// internal/utils/crypto.go
package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// PromptDigest returns the hex sha256 of the concatenated parts.
func PromptDigest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
