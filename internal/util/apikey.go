package util

import (
	"crypto/rand"
	"encoding/base64"
)

// APIKeyPrefix marks keys issued by this gateway.
const APIKeyPrefix = "qg_"

// NewAPIKey returns a prefixed, URL-safe key carrying 256 bits of randomness.
func NewAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
