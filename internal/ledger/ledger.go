// Package ledger records every redemption decision. Issued rows back the
// attestation verifier's ledger check and the replay redirect; denied rows
// are kept for audit.
package ledger

import (
	"context"
	"errors"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Decision is the outcome recorded for a redemption attempt.
type Decision string

const (
	DecisionIssued Decision = "issued"
	DecisionDenied Decision = "denied"
)

var (
	// ErrNotFound is returned when no record matches a lookup.
	ErrNotFound = errors.New("ledger record not found")
	// ErrInvalidRecord is returned for records missing required fields.
	ErrInvalidRecord = errors.New("invalid ledger record")
)

// Record is one row of the ledger.
type Record struct {
	EventID        string    `json:"eventId"`
	TenantID       string    `json:"tenantId"`
	ResourceToken  string    `json:"resourceToken"`
	Nonce          string    `json:"nonce,omitempty"`
	Decision       Decision  `json:"decision"`
	ReasonCode     string    `json:"reasonCode,omitempty"`
	DestinationURL string    `json:"destinationUrl,omitempty"`
	SubjectHash    string    `json:"subjectHash,omitempty"`
	ContinuityHash string    `json:"continuityHash,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt,omitempty"`
}

// Validate checks the fields every record needs.
func (r *Record) Validate() error {
	if r.EventID == "" || r.TenantID == "" || r.ResourceToken == "" {
		return ErrInvalidRecord
	}
	if r.Decision != DecisionIssued && r.Decision != DecisionDenied {
		return ErrInvalidRecord
	}
	return nil
}

// Repository persists ledger records.
type Repository interface {
	// Insert stores r. A second insert with the same EventID is a no-op and
	// reports inserted=false.
	Insert(ctx context.Context, r Record) (inserted bool, err error)
	// FindRecentIssued returns the newest issued record for the resource and
	// continuity hash created at or after since.
	FindRecentIssued(ctx context.Context, resourceToken, continuityHash string, since time.Time) (*Record, error)
	// Exists reports whether an issued record with eventID exists.
	Exists(ctx context.Context, eventID string) (bool, error)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewEventID returns a lexicographically sortable event identifier.
func NewEventID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
