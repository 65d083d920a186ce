// Package protection contains the domain model for anchoring a piece of
// digital content: content fingerprints, the off-chain file record, and the
// ledger evidence receipt produced when a fingerprint is anchored.
package protection

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Fingerprint is a deterministic content hash used as an identity proxy for a
// file. Identical bytes always produce identical fingerprints, which lets the
// scan pipeline confirm candidate matches by re-hashing fetched content.
type Fingerprint string

// ComputeFingerprint hashes the given content. It is pure and deterministic;
// the digest is the lowercase hex encoding of the SHA-256 sum.
func ComputeFingerprint(content []byte) Fingerprint {
	sum := sha256.Sum256(content)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// ParseFingerprint validates that s is a well-formed fingerprint digest.
func ParseFingerprint(s string) (Fingerprint, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("fingerprint is not hex encoded: %w", err)
	}
	if len(raw) != sha256.Size {
		return "", fmt.Errorf("fingerprint has wrong length: got %d bytes, want %d", len(raw), sha256.Size)
	}
	return Fingerprint(s), nil
}

// Matches reports whether two fingerprints are identical. The comparison is
// constant time so fingerprints can double as verification tokens.
func (f Fingerprint) Matches(other Fingerprint) bool {
	return subtle.ConstantTimeCompare([]byte(f), []byte(other)) == 1
}

// String returns the hex digest.
func (f Fingerprint) String() string { return string(f) }

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool { return f == "" }
