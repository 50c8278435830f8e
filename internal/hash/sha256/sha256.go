// Package sha256 provides the content digests used for download file
// names and corpus de-duplication.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher hashes bytes to a lowercase hex SHA-256 digest.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return h.HashString(string(data)), nil
}

// HashString hashes s and returns a hex digest.
func (*Hasher) HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
