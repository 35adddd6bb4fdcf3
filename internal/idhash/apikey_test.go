package idhash

import (
	"encoding/hex"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashKey(t *testing.T) {
	// sha256("abc")
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		HashKey("abc"))

	got := HashKey("test-key-123")
	assert.Len(t, got, 64)
	_, err := hex.DecodeString(got)
	require.NoError(t, err)
	assert.Equal(t, got, HashKey("test-key-123"), "deterministic")
	assert.NotEqual(t, got, HashKey("test-key-124"))
}

func TestKeyFingerprint(t *testing.T) {
	fp := KeyFingerprint("test-key-123")
	assert.Len(t, fp, FingerprintLength)
	assert.Equal(t, fp, KeyFingerprint("test-key-123"), "deterministic")
	assert.NotEqual(t, fp, KeyFingerprint("test-key-124"))

	_, err := base58.Decode(fp)
	assert.NoError(t, err, "fingerprint must be valid base58")
	assert.NotContains(t, fp, "test")
}

func TestKeyFingerprint_Empty(t *testing.T) {
	assert.Equal(t, "", KeyFingerprint(""))
}
