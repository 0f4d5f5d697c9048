// Package token issues ownership tokens for lock acquisitions.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Size is the number of random bytes in a token (256 bits).
const Size = 32

// Generator returns a fresh token for every call.
type Generator func() (string, error)

// New draws Size bytes from crypto/rand and hex-encodes them.
func New() (string, error) {
	b := make([]byte, Size)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
