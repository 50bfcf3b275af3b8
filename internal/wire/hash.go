package wire

import (
	"crypto/sha1" //nolint:gosec // The hpfeeds protocol fixes SHA-1 as the proof algorithm.
	"crypto/subtle"
)

// HashSecret computes the hpfeeds authentication proof:
// SHA-1(rand || secret). The client sends this 20-byte value in the Auth
// frame; the broker recomputes it from the stored secret and compares.
func HashSecret(rand []byte, secret string) []byte {
	h := sha1.New() //nolint:gosec // Protocol-mandated.
	h.Write(rand)
	h.Write([]byte(secret))
	return h.Sum(nil)
}

// VerifySecret reports whether the supplied proof matches the expected
// proof for (rand, secret). The comparison is constant-time.
func VerifySecret(rand []byte, secret string, proof []byte) bool {
	expected := HashSecret(rand, secret)
	return subtle.ConstantTimeCompare(expected, proof) == 1
}
