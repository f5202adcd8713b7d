// Package sha256 provides SHA-256 hashing for archived screenshots.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

var _ capture.Hasher = (*Hasher)(nil)

// Algorithm names the digest in records and object metadata.
const Algorithm = "sha256"

// Hasher implements capture.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
