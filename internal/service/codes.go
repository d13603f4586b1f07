package service

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// codeAlphabet leaves out 0/O and 1/I so codes survive being read aloud.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

// NormalizeCode makes room code lookups case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether a normalized code has the right shape.
func ValidCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(codeAlphabet, r) {
			return false
		}
	}
	return true
}

// GenerateCode returns a random room code.
func GenerateCode() string {
	var b strings.Builder
	b.Grow(codeLength)
	base := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			panic("crypto/rand unavailable: " + err.Error())
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String()
}
