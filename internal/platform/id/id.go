// Package id generates random identifiers for internal records.
package id

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a 26-character lowercase base32 identifier.
//
// The underlying bytes carry UUIDv4 version and variant bits so the value can
// be re-encoded as a standard UUID when external systems require one.
func NewID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	raw[6] = (raw[6] & 0x0F) | 0x40
	raw[8] = (raw[8] & 0x3F) | 0x80
	return strings.ToLower(encoding.EncodeToString(raw[:])), nil
}
