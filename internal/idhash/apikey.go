// Package idhash derives stable identifiers from credentials.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/mr-tron/base58"
)

// FingerprintLength is the number of base58 characters kept in a fingerprint.
const FingerprintLength = 8

// HashKey returns the hex-encoded SHA256 of an API key (64 characters).
// This is the value stored in api_keys.key_hash.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// KeyFingerprint returns a short base58 prefix of the key's SHA256.
// Safe to log; the key itself never is.
func KeyFingerprint(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return base58.Encode(sum[:])[:FingerprintLength]
}
