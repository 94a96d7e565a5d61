// Package identity derives stable staging folder names for external sources.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrEmptyKind is returned when a staging name is requested without a kind prefix.
var ErrEmptyKind = errors.New("staging kind must not be empty")

// Hash returns the lowercase hex SHA-256 of the concatenated fields.
// Field order matters; the same fields in the same order always hash alike.
func Hash(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// StagingName returns "{kind}-{hash(fields)}".
func StagingName(kind string, fields ...string) (string, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "", ErrEmptyKind
	}
	return kind + "-" + Hash(fields...), nil
}
