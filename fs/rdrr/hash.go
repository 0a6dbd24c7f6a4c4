package rdrr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashAlgorithm identifies the digest used to verify shard integrity.
// The manifest's hashAlgorithm field is optional; legacy manifests may
// instead carry a bare "blake3" or "sha256" key on each shard entry
// (§6). Open Question 1 asks implementations to pick one documented
// default rather than silently trying several; this loader always
// verifies with SHA-256 and treats a legacy "blake3"-named field as an
// alias for the same 256-bit digest. When hashAlgorithm is absent, Decode
// logs the sha256 default once and records it in Manifest.Warnings; the
// use of a legacy shard field name is not itself recorded.
type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "sha256"
)

// ParseHashAlgorithm resolves the manifest's hashAlgorithm field. An empty
// string (field absent) resolves to the documented default.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch s {
	case "", "sha256", "blake3":
		return HashSHA256, nil
	default:
		return "", fmt.Errorf("rdrr: unsupported hash algorithm %q", s)
	}
}

// Sum256 computes the hex-encoded SHA-256 digest of b, in the same form
// manifests encode shard hashes.
func Sum256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
