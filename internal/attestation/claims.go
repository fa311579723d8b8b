// Package attestation mints and verifies signed receipts of a human
// redemption. Receipts are compact EdDSA JWS tokens whose verification keys
// are published as a JWKS document.
package attestation

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// EventTypeLinkRedeemed is the event_type claim of every receipt.
const EventTypeLinkRedeemed = "link.redeemed"

// DefaultTTL is the lifetime of a receipt.
const DefaultTTL = 10 * time.Minute

// IssuerPrefix prefixes the tenant id in the iss claim.
const IssuerPrefix = "clickguard"

// Proof states how strongly the redemption was shown to be human.
type Proof string

const (
	ProofChallengePassed Proof = "challenge_passed"
	ProofExplicitConfirm Proof = "explicit_confirm"
)

// Claims is the receipt payload.
type Claims struct {
	jwt.RegisteredClaims
	Nonce           string            `json:"nonce"`
	TenantID        string            `json:"tenant_id"`
	EventType       string            `json:"event_type"`
	SubjectHash     string            `json:"subject_hash"`
	DestinationHost string            `json:"destination_host"`
	ResourceToken   string            `json:"resource_token"`
	Campaign        map[string]string `json:"campaign,omitempty"`
	Proof           Proof             `json:"proof"`
}

// Event describes a successful redemption.
type Event struct {
	EventID         string
	TenantID        string
	Nonce           string
	SubjectHash     string
	DestinationHost string
	ResourceToken   string
	Campaign        map[string]string
	Proof           Proof
	IssuedAt        time.Time
}

// NewClaims builds the claim set for ev. The audience is scoped to the
// tenant under audiencePrefix; a zero ttl uses DefaultTTL.
func NewClaims(ev Event, audiencePrefix string, ttl time.Duration) Claims {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	proof := ev.Proof
	if proof == "" {
		proof = ProofExplicitConfirm
	}
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    IssuerPrefix + ":" + ev.TenantID,
			Audience:  jwt.ClaimStrings{audiencePrefix + ":" + ev.TenantID},
			ID:        ev.EventID,
			IssuedAt:  jwt.NewNumericDate(ev.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(ev.IssuedAt.Add(ttl)),
		},
		Nonce:           ev.Nonce,
		TenantID:        ev.TenantID,
		EventType:       EventTypeLinkRedeemed,
		SubjectHash:     ev.SubjectHash,
		DestinationHost: ev.DestinationHost,
		ResourceToken:   ev.ResourceToken,
		Campaign:        ev.Campaign,
		Proof:           proof,
	}
}
