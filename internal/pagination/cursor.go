// Package pagination provides cursor-based pagination utilities.
package pagination

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const cursorPrefix = "after:"

// Encode returns an opaque cursor that resumes after key.
func Encode(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + key))
}

// Decode returns the key a cursor resumes after. Empty input decodes to "".
func Decode(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", ErrInvalidCursor
	}
	key, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok || key == "" {
		return "", ErrInvalidCursor
	}
	return key, nil
}

// ComputePage takes a slice of items (fetched with limit+1), the requested limit,
// and a function to extract the sort key of an item.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, key func(T) string) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(key(items[len(items)-1])), true
}
