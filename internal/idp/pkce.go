package idp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

const (
	pkceMinLength = 43
	pkceMaxLength = 128
)

// ComputeS256Challenge derives the S256 code challenge for a verifier.
func ComputeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateCodeVerifier returns a fresh high-entropy PKCE verifier.
func GenerateCodeVerifier() (string, error) {
	raw := make([]byte, 48)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ValidatePKCE checks a verifier against the stored challenge.
//
// S256 recomputes the challenge; plain compares directly. Both comparisons
// are constant time.
func ValidatePKCE(verifier, challenge, method string) bool {
	if !validVerifier(verifier) {
		return false
	}
	switch method {
	case "S256":
		computed := ComputeS256Challenge(verifier)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case "plain":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}

// ValidateCodeChallenge reports whether a challenge is well-formed for S256:
// base64url characters, unpadded SHA-256 length.
func ValidateCodeChallenge(challenge string) bool {
	if len(challenge) != 43 {
		return false
	}
	for _, r := range challenge {
		if !isUnreserved(r) {
			return false
		}
	}
	return true
}

func validVerifier(verifier string) bool {
	if len(verifier) < pkceMinLength || len(verifier) > pkceMaxLength {
		return false
	}
	for _, r := range verifier {
		if !isUnreserved(r) {
			return false
		}
	}
	return true
}

func isUnreserved(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '.', r == '_', r == '~':
		return true
	}
	return false
}
