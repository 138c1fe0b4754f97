package utils

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashFingerprint returns a keyed BLAKE2b-256 digest of a device
// fingerprint. Raw fingerprints are never stored.
func HashFingerprint(key []byte, fingerprint string) (string, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return "", err
	}
	h.Write([]byte(strings.TrimSpace(fingerprint)))
	return hex.EncodeToString(h.Sum(nil)), nil
}
