// Package cryptoutil provides the hashing, random token, Ed25519 and base64url
// helpers shared by the permit, site and attestation packages.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// DefaultTokenBytes is the entropy used for nonces, CSRF tokens and access tokens.
const DefaultTokenBytes = 32

var (
	// ErrInvalidKey is returned when key material has the wrong size or encoding.
	ErrInvalidKey = errors.New("invalid key material")
	// ErrTokenSize is returned when a random token of non-positive size is requested.
	ErrTokenSize = errors.New("token size must be > 0")
)

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashParts hashes the parts joined with "|" so that ("ab","c") and ("a","bc")
// produce different digests.
func HashParts(parts ...string) string {
	return SHA256Hex(strings.Join(parts, "|"))
}

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	if n <= 0 {
		return "", ErrTokenSize
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return EncodeBase64URL(buf), nil
}

// EncodeBase64URL encodes b as unpadded base64url.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL decodes unpadded base64url, tolerating trailing padding.
func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// ConstantTimeEqual reports whether a and b are equal without leaking timing.
// Empty values never compare equal.
func ConstantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GenerateEd25519 creates a new Ed25519 keypair.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return public, private, nil
}

// ParseEd25519Seed decodes a 32-byte seed (standard base64, base64url or hex)
// into a private key. A full 64-byte private key is accepted as well.
func ParseEd25519Seed(encoded string) (ed25519.PrivateKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	raw, err := decodeKeyMaterial(encoded)
	if err != nil {
		return nil, err
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("%w: got %d bytes, want %d or %d", ErrInvalidKey, len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// ParseEd25519Public decodes a 32-byte public key in any of the encodings
// accepted by ParseEd25519Seed.
func ParseEd25519Public(encoded string) (ed25519.PublicKey, error) {
	raw, err := decodeKeyMaterial(strings.TrimSpace(encoded))
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key has %d bytes, want %d", ErrInvalidKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// KeyID derives a short stable key identifier from a public key.
func KeyID(public ed25519.PublicKey) string {
	sum := sha256.Sum256(public)
	return EncodeBase64URL(sum[:12])
}

// Sign signs msg with private.
func Sign(private ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(private, msg)
}

// Verify reports whether sig is a valid signature of msg by public.
func Verify(public ed25519.PublicKey, msg, sig []byte) bool {
	if len(public) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(public, msg, sig)
}

func decodeKeyMaterial(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if raw, err := hex.DecodeString(encoded); err == nil && len(raw) >= ed25519.SeedSize {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		return raw, nil
	}
	if raw, err := DecodeBase64URL(encoded); err == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("%w: not hex or base64", ErrInvalidKey)
}
