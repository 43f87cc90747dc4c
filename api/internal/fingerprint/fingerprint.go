// Package fingerprint derives content identity keys for uploaded images.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Sum is the SHA-256 digest of an image payload.
type Sum [Size]byte

// Of returns the fingerprint of b. Empty input is valid.
func Of(b []byte) Sum {
	return sha256.Sum256(b)
}

func (s Sum) String() string { return hex.EncodeToString(s[:]) }

// Short is the first 12 hex chars, for logs.
func (s Sum) Short() string { return s.String()[:12] }

// Parse decodes a lowercase or uppercase hex digest produced by Sum.String.
func Parse(h string) (Sum, error) {
	var s Sum
	b, err := hex.DecodeString(h)
	if err != nil {
		return s, fmt.Errorf("fingerprint: %w", err)
	}
	if len(b) != Size {
		return s, fmt.Errorf("fingerprint: want %d bytes, got %d", Size, len(b))
	}
	copy(s[:], b)
	return s, nil
}
