package cache

import "strings"

const digestPrefix = "sha256:"

// Digest represents a content-addressable digest in "algorithm:hex" format
// (e.g., "sha256:abcdef...").
type Digest string

// NewDigest creates a Digest from a raw hex string, prefixing "sha256:".
func NewDigest(hex string) Digest {
	return Digest(digestPrefix + hex)
}

// ParseDigest accepts a full "sha256:<hex>" string. Returns false for any
// other algorithm or shape — callers treat such digests as absent.
func ParseDigest(s string) (Digest, bool) {
	if !strings.HasPrefix(s, digestPrefix) || len(s) == len(digestPrefix) {
		return "", false
	}
	return Digest(s), true
}

// Hex returns the hex portion of the digest, stripping the algorithm prefix.
func (d Digest) Hex() string {
	return strings.TrimPrefix(string(d), digestPrefix)
}

// String returns the full digest string including the algorithm prefix.
func (d Digest) String() string {
	return string(d)
}
