// Package auth issues and checks the per-call secrets that authorize
// inbound media-socket connections.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

const tokenBytes = 32

// NewMediaToken returns a random hex token binding one media connection to
// one call session.
func NewMediaToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("auth: rand.Read failed: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// TokensEqual compares two tokens in constant time.
func TokensEqual(expected, actual string) bool {
	if expected == "" || actual == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}
