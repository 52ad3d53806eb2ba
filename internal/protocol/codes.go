// SPDX-License-Identifier: MIT
package protocol

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Connect codes are human-readable: two four-character segments joined by
// a dash, drawn from a 32-character alphabet with the lookalikes 0/O and
// 1/I removed. 32 characters means a random byte masked to 5 bits indexes
// the alphabet without modulo bias.
const (
	codeAlphabet  = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	codeSegment   = 4
	codeLength    = codeSegment*2 + 1 // two segments plus the dash
	codeSeparator = '-'
)

// GenerateCode returns a fresh connect code such as "7KQ2-XH9M".
// Randomness comes from crypto/rand; collisions are the issuer's problem
// (the registry re-rolls on the astronomically rare duplicate).
func GenerateCode() (string, error) {
	buf := make([]byte, codeSegment*2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes for connect code: %w", err)
	}

	out := make([]byte, 0, codeLength)
	for i, b := range buf {
		if i == codeSegment {
			out = append(out, codeSeparator)
		}
		out = append(out, codeAlphabet[b&31])
	}
	return string(out), nil
}

// NormalizeCode uppercases and trims a user-entered code so "7kq2-xh9m "
// matches its issued form.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCodeFormat reports whether a string has the two-segment shape of a
// connect code. It says nothing about the code existing or being live;
// the registry decides that.
func ValidCodeFormat(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if i == codeSegment {
			if code[i] != codeSeparator {
				return false
			}
			continue
		}
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}
