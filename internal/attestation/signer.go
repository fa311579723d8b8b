package attestation

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/onnwee/clickguard/internal/cryptoutil"
	"github.com/onnwee/clickguard/internal/tracing"
)

// ErrNoSigningKey is returned when a signer is built without a usable key.
var ErrNoSigningKey = errors.New("attestation signing key is required")

// Signer mints receipts with the current Ed25519 key.
type Signer struct {
	private ed25519.PrivateKey
	kid     string
	keys    *KeySet
}

// NewSigner creates a signer. previous public keys stay in the published key
// set so receipts minted before a rotation still verify.
func NewSigner(private ed25519.PrivateKey, previous ...ed25519.PublicKey) (*Signer, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, ErrNoSigningKey
	}
	pub := private.Public().(ed25519.PublicKey)
	return &Signer{
		private: private,
		kid:     cryptoutil.KeyID(pub),
		keys:    NewKeySet(pub, previous...),
	}, nil
}

// NewSignerFromSeed parses an encoded seed (see cryptoutil.ParseEd25519Seed)
// and any encoded previous public keys.
func NewSignerFromSeed(seed string, previous ...string) (*Signer, error) {
	private, err := cryptoutil.ParseEd25519Seed(seed)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	var prev []ed25519.PublicKey
	for _, p := range previous {
		if p == "" {
			continue
		}
		pub, err := cryptoutil.ParseEd25519Public(p)
		if err != nil {
			return nil, fmt.Errorf("previous verification key: %w", err)
		}
		prev = append(prev, pub)
	}
	return NewSigner(private, prev...)
}

// KeyID returns the id placed in the kid header.
func (s *Signer) KeyID() string { return s.kid }

// KeySet returns the verification keys, current first.
func (s *Signer) KeySet() *KeySet { return s.keys }

// Sign returns the compact JWS for claims.
func (s *Signer) Sign(ctx context.Context, claims Claims) (token string, err error) {
	_, endSpan := tracing.StartSpan(ctx, "attestation.sign", tracing.AttrKeyID.String(s.kid))
	defer func() { endSpan(err) }()

	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = s.kid
	token, err = t.SignedString(s.private)
	if err != nil {
		return "", fmt.Errorf("signing attestation: %w", err)
	}
	return token, nil
}
