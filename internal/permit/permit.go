// Package permit issues and redeems single-use, time-boxed nonces bound to a
// client continuity fingerprint.
//
// Every Issue and Redeem for a resource is serialised, so two concurrent
// redemptions of the same nonce always produce exactly one winner; the other
// caller observes REPLAY. Expiry is evaluated lazily at redeem time.
package permit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TTL bounds applied to every issued permit.
const (
	MinTTL     = 60 * time.Second
	MaxTTL     = 30 * time.Minute
	DefaultTTL = 10 * time.Minute
)

// DefaultRetention is how long a permit is kept past its expiry before the
// reaper may drop it.
const DefaultRetention = 24 * time.Hour

// Reason is the closed set of redeem failure codes.
type Reason string

// Redeem failure reasons.
const (
	ReasonNotFound           Reason = "NOT_FOUND"
	ReasonExpired            Reason = "EXPIRED"
	ReasonReplay             Reason = "REPLAY"
	ReasonContinuityMismatch Reason = "CONTINUITY_MISMATCH"
	ReasonBadRequest         Reason = "BAD_REQUEST"
)

// Sentinel errors, one per Reason. A *RedeemError matches the sentinel for
// its reason under errors.Is.
var (
	ErrNotFound           = errors.New("permit not found")
	ErrExpired            = errors.New("permit expired")
	ErrReplay             = errors.New("permit already redeemed")
	ErrContinuityMismatch = errors.New("continuity fingerprint mismatch")
	ErrBadRequest         = errors.New("nonce and fingerprint are required")

	// ErrInvalidIssue is returned when Issue is called without a resource or fingerprint.
	ErrInvalidIssue = errors.New("resource id and fingerprint are required")
)

var reasonErrors = map[Reason]error{
	ReasonNotFound:           ErrNotFound,
	ReasonExpired:            ErrExpired,
	ReasonReplay:             ErrReplay,
	ReasonContinuityMismatch: ErrContinuityMismatch,
	ReasonBadRequest:         ErrBadRequest,
}

// RedeemError is returned by Redeem when a permit cannot be redeemed.
type RedeemError struct {
	Reason Reason
}

func (e *RedeemError) Error() string {
	return fmt.Sprintf("redeem denied: %s", e.Reason)
}

// Is reports whether target is the sentinel for e.Reason.
func (e *RedeemError) Is(target error) bool {
	return reasonErrors[e.Reason] == target
}

// ReasonOf extracts the redeem reason from err.
func ReasonOf(err error) (Reason, bool) {
	var re *RedeemError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

func deny(reason Reason) error {
	return &RedeemError{Reason: reason}
}

// Permit is a single-use redemption token. Once Redeemed is set it is never
// cleared, and ExpiresAt never moves after issue.
type Permit struct {
	Nonce       string     `json:"nonce" cbor:"1,keyasint"`
	ResourceID  string     `json:"resourceId" cbor:"2,keyasint"`
	Fingerprint string     `json:"fingerprint" cbor:"3,keyasint"`
	IssuedAt    time.Time  `json:"issuedAt" cbor:"4,keyasint"`
	ExpiresAt   time.Time  `json:"expiresAt" cbor:"5,keyasint"`
	Redeemed    bool       `json:"redeemed" cbor:"6,keyasint"`
	RedeemedAt  *time.Time `json:"redeemedAt,omitempty" cbor:"7,keyasint,omitempty"`
}

func (p *Permit) clone() *Permit {
	cp := *p
	if p.RedeemedAt != nil {
		t := *p.RedeemedAt
		cp.RedeemedAt = &t
	}
	return &cp
}

// Issued is the result of Issue.
type Issued struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store issues and redeems permits.
type Store interface {
	// Issue mints a fresh permit for resourceID bound to fingerprint. Every
	// call mints an independent permit.
	Issue(ctx context.Context, resourceID, fingerprint string, ttl time.Duration) (Issued, error)

	// Redeem marks the permit redeemed if it exists for resourceID, matches
	// fingerprint, has not been redeemed and has not expired. Denials are
	// returned as *RedeemError.
	Redeem(ctx context.Context, resourceID, nonce, fingerprint string) (*Permit, error)

	// Get returns a copy of the permit or ErrNotFound.
	Get(ctx context.Context, nonce string) (*Permit, error)
}

// ClampTTL bounds ttl to [MinTTL, MaxTTL]. A non-positive ttl yields DefaultTTL.
func ClampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return DefaultTTL
	case ttl < MinTTL:
		return MinTTL
	case ttl > MaxTTL:
		return MaxTTL
	default:
		return ttl
	}
}

// applyRedeem checks p against the redeem rules in order and marks it
// redeemed on success. p may be nil when the nonce is unknown.
func applyRedeem(p *Permit, resourceID, fingerprint string, now time.Time) error {
	if p == nil || p.ResourceID != resourceID {
		return deny(ReasonNotFound)
	}
	if p.Fingerprint != fingerprint {
		return deny(ReasonContinuityMismatch)
	}
	if p.Redeemed {
		return deny(ReasonReplay)
	}
	if !now.Before(p.ExpiresAt) {
		return deny(ReasonExpired)
	}
	p.Redeemed = true
	at := now
	p.RedeemedAt = &at
	return nil
}

func newPermit(nonce, resourceID, fingerprint string, ttl time.Duration, now time.Time) *Permit {
	return &Permit{
		Nonce:       nonce,
		ResourceID:  resourceID,
		Fingerprint: fingerprint,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ClampTTL(ttl)),
	}
}

// Option configures a store.
type Option func(*options)

type options struct {
	now       func() time.Time
	retention time.Duration
	metrics   *Metrics
}

func defaultOptions() options {
	return options{
		now:       time.Now,
		retention: DefaultRetention,
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRetention sets how long permits are kept past expiry.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retention = d
		}
	}
}

// WithMetrics records issue and redeem outcomes.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
