// Package idgen generates and checks request IDs.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// MaxLength bounds request IDs accepted from clients.
const MaxLength = 64

// RequestID returns prefix + a millisecond timestamp in base 36 + 16 random
// hex chars. IDs made later sort after earlier ones of the same prefix.
func RequestID(prefix string) string {
	return prefix + strconv.FormatInt(time.Now().UnixMilli(), 36) + "_" + Hex(8)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Valid reports whether a client-supplied ID is safe to echo and log:
// 1 to MaxLength characters from [A-Za-z0-9_.-].
func Valid(id string) bool {
	if id == "" || len(id) > MaxLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == '.':
		default:
			return false
		}
	}
	return true
}
