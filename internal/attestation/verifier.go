package attestation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/onnwee/clickguard/internal/tracing"
)

// Verification failure reasons.
const (
	ReasonMalformed        = "malformed"
	ReasonUnsupportedAlg   = "unsupported_alg"
	ReasonUnknownKey       = "unknown_key"
	ReasonBadSignature     = "bad_signature"
	ReasonExpired          = "expired"
	ReasonAudienceMismatch = "audience_mismatch"
	ReasonInvalidClaims    = "invalid_claims"
)

var (
	errUnsupportedAlg = errors.New("signing method must be EdDSA")
	errUnknownKey     = errors.New("unknown key id")
)

// LedgerChecker reports whether an event id was recorded as issued.
type LedgerChecker interface {
	Exists(ctx context.Context, eventID string) (bool, error)
}

// Result is the outcome of Verify.
type Result struct {
	Valid    bool    `json:"valid"`
	Claims   *Claims `json:"claims,omitempty"`
	InLedger bool    `json:"inLedger"`
	Reason   string  `json:"reason,omitempty"`
}

// Verifier checks receipts against a key set and, optionally, the ledger.
type Verifier struct {
	keys   *KeySet
	ledger LedgerChecker
	leeway time.Duration
	now    func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLeeway allows clock skew on exp and iat.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.leeway = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier. ledger may be nil.
func NewVerifier(keys *KeySet, ledger LedgerChecker, opts ...VerifierOption) *Verifier {
	v := &Verifier{keys: keys, ledger: ledger, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks structure, algorithm, key id, signature, expiry and, when
// audiencePrefix is set, that some audience is scoped under it. A valid
// receipt is then looked up in the ledger. The returned error is reserved for
// ledger failures; verification failures are reported in Result.Reason.
func (v *Verifier) Verify(ctx context.Context, token, audiencePrefix string) (res Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "attestation.verify")
	defer func() {
		if err == nil {
			tracing.RecordDecision(ctx, verdict(res), res.Reason)
		}
		endSpan(err)
	}()

	if token == "" || strings.Count(token, ".") != 2 {
		return Result{Reason: ReasonMalformed}, nil
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(token, claims, v.keyFunc,
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return Result{Reason: reasonFor(err)}, nil
	}
	if claims.ID == "" || claims.TenantID == "" || claims.EventType != EventTypeLinkRedeemed {
		return Result{Reason: ReasonInvalidClaims}, nil
	}
	if audiencePrefix != "" && !audienceMatches(claims.Audience, audiencePrefix) {
		return Result{Reason: ReasonAudienceMismatch}, nil
	}

	res = Result{Valid: true, Claims: claims}
	if v.ledger != nil {
		inLedger, err := v.ledger.Exists(ctx, claims.ID)
		if err != nil {
			return Result{}, fmt.Errorf("ledger lookup: %w", err)
		}
		res.InLedger = inLedger
	}
	return res, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	if t.Method.Alg() != jwt.SigningMethodEdDSA.Alg() {
		return nil, errUnsupportedAlg
	}
	kid, _ := t.Header["kid"].(string)
	pub, ok := v.keys.Lookup(kid)
	if !ok {
		return nil, errUnknownKey
	}
	return pub, nil
}

func verdict(res Result) string {
	if res.Valid {
		return "verified"
	}
	return "denied"
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, errUnsupportedAlg):
		return ReasonUnsupportedAlg
	case errors.Is(err, errUnknownKey):
		return ReasonUnknownKey
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ReasonBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonUnsupportedAlg
	default:
		return ReasonInvalidClaims
	}
}

func audienceMatches(aud jwt.ClaimStrings, prefix string) bool {
	for _, a := range aud {
		if a == prefix || strings.HasPrefix(a, prefix+":") {
			return true
		}
	}
	return false
}
