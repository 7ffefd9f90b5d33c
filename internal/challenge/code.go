package challenge

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

const codeDigits = 7

// GenerateCode returns a 7-digit numeric challenge code (e.g. "1234567").
// Uses crypto/rand with rejection sampling so every digit is equally likely.
func GenerateCode() (string, error) {
	s := make([]byte, codeDigits)
	buf := make([]byte, codeDigits)
	for i := 0; i < codeDigits; {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// 250 is the largest multiple of 10 that fits a byte; values at or
			// above it would skew the low digits.
			if b >= 250 {
				continue
			}
			s[i] = '0' + b%10
			i++
			if i == codeDigits {
				break
			}
		}
	}
	return string(s), nil
}

// GenerateSalt returns a random hex salt for code hashing.
func GenerateSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashCode returns the SHA-256 hash of salt+code, hex-encoded. Only the hash is stored.
func HashCode(salt, code string) string {
	h := sha256.Sum256([]byte(salt + code))
	return hex.EncodeToString(h[:])
}

// CodeEqual performs constant-time comparison of the provided code's salted hash
// with the stored hash.
func CodeEqual(providedCode, salt, storedHash string) bool {
	providedHash := HashCode(salt, providedCode)
	return subtle.ConstantTimeCompare([]byte(providedHash), []byte(storedHash)) == 1
}
