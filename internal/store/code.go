package store

import (
	crand "crypto/rand"
	"math/big"
	"math/rand/v2"
	"strings"
)

const (
	// CodeLength is the length of generated session codes.
	CodeLength = 6

	// CodeChars excludes characters that are easy to misread (0/O, 1/I).
	CodeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	maxCodeAttempts = 16
)

// generateCode creates a random session code.
func generateCode() string {
	code := make([]byte, CodeLength)
	for i := range CodeLength {
		n, err := crand.Int(crand.Reader, big.NewInt(int64(len(CodeChars))))
		if err != nil {
			code[i] = CodeChars[rand.IntN(len(CodeChars))]
			continue
		}
		code[i] = CodeChars[n.Int64()]
	}
	return string(code)
}

// NormalizeCode canonicalizes user input for code lookups.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
