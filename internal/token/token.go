// Package token generates claim tokens presented at redemption time.
package token

import (
	"crypto/rand"
	"fmt"
)

// alphabet excludes visually ambiguous characters (0/O, 1/I/L) so a token
// read off a phone screen survives being typed into a terminal.
const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// Length is the fixed claim-token length. 31^10 ≈ 8×10^14 combinations,
// so random collisions stay negligible; the storage layer still enforces
// uniqueness and the allocator regenerates on the rare clash.
const Length = 10

// maxRandByte is the largest multiple of len(alphabet) that fits in a
// byte. Random bytes at or above it are discarded so every alphabet
// character is drawn with equal probability.
const maxRandByte = byte(len(alphabet) * (256 / len(alphabet)))

// New returns a new random claim token.
func New() (string, error) {
	out := make([]byte, 0, Length)
	buf := make([]byte, Length)
	for len(out) < Length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= maxRandByte {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == Length {
				break
			}
		}
	}
	return string(out), nil
}

// Valid reports whether s has the shape of a claim token.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for _, r := range s {
		found := false
		for _, a := range alphabet {
			if r == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
