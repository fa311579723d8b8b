package attestation

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/onnwee/clickguard/internal/cryptoutil"
)

// ErrInvalidJWK is returned when a JWKS entry cannot be used for EdDSA.
var ErrInvalidJWK = errors.New("invalid JWK")

// JWK is an OKP/Ed25519 public key in RFC 8037 form.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	X   string `json:"x"`
}

// JWKS is the published key set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// KeySet holds the verification keys by key id. The first key is current;
// later keys are kept for verifying receipts signed before a rotation.
type KeySet struct {
	order []string
	keys  map[string]ed25519.PublicKey
}

// NewKeySet builds a key set from current and any previous public keys.
func NewKeySet(current ed25519.PublicKey, previous ...ed25519.PublicKey) *KeySet {
	ks := &KeySet{keys: make(map[string]ed25519.PublicKey)}
	for _, pub := range append([]ed25519.PublicKey{current}, previous...) {
		if len(pub) != ed25519.PublicKeySize {
			continue
		}
		kid := cryptoutil.KeyID(pub)
		if _, dup := ks.keys[kid]; dup {
			continue
		}
		ks.order = append(ks.order, kid)
		ks.keys[kid] = pub
	}
	return ks
}

// KeySetFromJWKS parses a published document into a key set.
func KeySetFromJWKS(doc JWKS) (*KeySet, error) {
	ks := &KeySet{keys: make(map[string]ed25519.PublicKey)}
	for _, k := range doc.Keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" || k.Kid == "" {
			return nil, fmt.Errorf("%w: kid %q", ErrInvalidJWK, k.Kid)
		}
		raw, err := cryptoutil.DecodeBase64URL(k.X)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: kid %q has bad x", ErrInvalidJWK, k.Kid)
		}
		ks.order = append(ks.order, k.Kid)
		ks.keys[k.Kid] = ed25519.PublicKey(raw)
	}
	return ks, nil
}

// Lookup returns the public key for kid.
func (ks *KeySet) Lookup(kid string) (ed25519.PublicKey, bool) {
	pub, ok := ks.keys[kid]
	return pub, ok
}

// Len returns the number of keys.
func (ks *KeySet) Len() int { return len(ks.order) }

// JWKS renders the key set document.
func (ks *KeySet) JWKS() JWKS {
	doc := JWKS{Keys: make([]JWK, 0, len(ks.order))}
	for _, kid := range ks.order {
		doc.Keys = append(doc.Keys, JWK{
			Kty: "OKP",
			Crv: "Ed25519",
			Kid: kid,
			Alg: "EdDSA",
			Use: "sig",
			X:   cryptoutil.EncodeBase64URL(ks.keys[kid]),
		})
	}
	return doc
}
