package license

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// KeyBytes is the amount of randomness behind every license key.
const KeyBytes = 16

// NewKey returns a fresh license key: KeyBytes random bytes, upper-case hex.
func NewKey() (string, error) {
	b := make([]byte, KeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// NormalizeKey maps a caller-supplied key to its stored form.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
