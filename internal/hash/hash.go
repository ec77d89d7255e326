// Package hash provides the content-identity primitive shared by the
// store and the obliteration subsystem: a SHA-256 digest, wrapped in
// pkg/types.Digest, plus the commitment construction obliteration
// proofs use. SHA-256 is not a stdlib-by-default pick here — every
// grounding example that implements a content-addressed store or a
// commitment scheme reaches for it, so it is the corpus convention.
package hash

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/januskey/januskey/pkg/types"
)

// NullHash is the digest of the empty byte string, returned for
// zero-length content so an empty file still has a well-defined
// content identity distinct from "absent."
var NullHash = Sum(nil)

// Sum computes the content hash of data.
func Sum(data []byte) types.Digest {
	return types.Digest(sha256.Sum256(data))
}

// Verify reports whether content's hash equals want.
func Verify(content []byte, want types.Digest) bool {
	return Sum(content) == want
}

// Nonce returns a fresh random nonce for an obliteration commitment.
func Nonce() ([16]byte, error) {
	var n [16]byte
	_, err := rand.Read(n[:])
	return n, err
}

// Commitment builds the binding commitment hash(content_hash || nonce
// || timestamp_bytes) used by an obliteration proof: anyone holding the
// content hash, nonce, and timestamp can recompute and verify it, but
// the commitment alone reveals nothing about either the original
// content or exactly when the erasure occurred beyond what the
// plaintext timestamp already does.
func Commitment(contentHash types.Digest, nonce [16]byte, timestampUnixNano int64) types.Digest {
	buf := make([]byte, 0, len(contentHash)+len(nonce)+8)
	buf = append(buf, contentHash[:]...)
	buf = append(buf, nonce[:]...)
	buf = append(buf, int64ToBytes(timestampUnixNano)...)
	return Sum(buf)
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * (7 - i)))
	}
	return b
}
