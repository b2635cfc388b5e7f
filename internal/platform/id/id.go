// Package id generates opaque identifiers for sessions and user handles.
package id

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a new random identifier.
//
// The value is a UUIDv4 rendered as 26 lowercase base32 characters, which
// keeps it cookie- and URL-safe without escaping.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// NewHandle returns a new random 16-byte user handle.
//
// WebAuthn user handles are opaque byte sequences; a random UUID keeps them
// unlinkable to the login identifier.
func NewHandle() ([]byte, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	handle := make([]byte, len(value))
	copy(handle, value[:])
	return handle, nil
}
