package pending

import "crypto/rand"

// codeAlphabet excludes 0, 1, I and O to keep codes unambiguous when read
// aloud or retyped from a screen.
const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// NewVerificationCode returns a random code over the confusion-free alphabet.
//
// The alphabet has 32 characters, so a random byte maps uniformly onto it.
func NewVerificationCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range raw {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}
