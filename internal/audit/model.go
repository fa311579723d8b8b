// Package audit records policy and token-lifecycle denials on the redemption
// path so operators can reconstruct who was turned away and why.
package audit

import (
	"time"
)

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entity types.
const (
	EntityHost        = "host"
	EntityRedemption  = "redemption"
	EntityAttestation = "attestation"
)

// Actions.
const (
	ActionUnknownSite        = "unknown_site"
	ActionInvalidDestination = "invalid_destination"
	ActionChallengeFailed    = "challenge_failed"
	ActionRedeemDenied       = "redeem_denied"
	ActionReplayRedirect     = "replay_redirect"
	ActionVerifyDenied       = "verify_denied"
)

// Event is a single stored audit record.
type Event struct {
	ID         string    `json:"id"`
	SiteID     string    `json:"site_id,omitempty"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// PreviousHash chains each event to the one before it.
	PreviousHash string `json:"previous_hash,omitempty"`
}

// LogEntry is the input for Append.
type LogEntry struct {
	SiteID     string
	EntityType string
	EntityID   string
	Action     string
	Outcome    string
	Reason     string

	RequestID string
	IPAddress string
	UserAgent string
}
