// Package digest holds the hashing primitives shared by signing and identity hashing.
// All digests are lowercase hex.
package digest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// HMACHex returns HMAC-SHA256(secret, message) as lowercase hex.
func HMACHex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// SHA256Hex returns SHA-256(message) as lowercase hex.
func SHA256Hex(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])
}

// EqualHex compares two hex digests in constant time.
func EqualHex(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// RandomHex returns n random bytes hex-encoded.
func RandomHex(n int) (string, error) {
	b, err := randomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// RandomToken returns n random bytes as unpadded URL-safe base64.
func RandomToken(n int) (string, error) {
	b, err := randomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}
