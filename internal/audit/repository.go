package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/clickguard/internal/cryptoutil"
)

// DefaultMaxEvents bounds the in-memory log.
const DefaultMaxEvents = 10000

// ErrChainBroken is returned by VerifyChain when an event's PreviousHash does
// not match the hash of the event before it.
var ErrChainBroken = errors.New("audit hash chain broken")

// Query filters audit events. Zero fields match everything.
type Query struct {
	SiteID     string
	EntityType string
	EntityID   string
	From       time.Time
	To         time.Time
	// Limit caps the number of results (0 = no limit).
	Limit int
}

func (q Query) matches(e *Event) bool {
	if q.SiteID != "" && e.SiteID != q.SiteID {
		return false
	}
	if q.EntityType != "" && e.EntityType != q.EntityType {
		return false
	}
	if q.EntityID != "" && e.EntityID != q.EntityID {
		return false
	}
	if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.CreatedAt.After(q.To) {
		return false
	}
	return true
}

// Repository defines the interface for audit log operations.
type Repository interface {
	// Append records an event and returns the stored copy.
	Append(ctx context.Context, entry LogEntry) (*Event, error)

	// Query returns matching events, newest first.
	Query(ctx context.Context, q Query) ([]*Event, error)
}

// InMemoryRepository is an in-memory implementation of Repository. Events are
// hash-chained in insertion order; once MaxEvents is reached the oldest
// events are dropped and the chain is verified from the oldest retained one.
type InMemoryRepository struct {
	mu        sync.RWMutex
	events    []*Event
	lastHash  string
	maxEvents int
	now       func() time.Time
}

// NewInMemoryRepository creates a repository holding at most maxEvents events.
// A non-positive maxEvents uses DefaultMaxEvents.
func NewInMemoryRepository(maxEvents int) *InMemoryRepository {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &InMemoryRepository{
		maxEvents: maxEvents,
		now:       time.Now,
	}
}

// Append implements Repository.
func (r *InMemoryRepository) Append(_ context.Context, entry LogEntry) (*Event, error) {
	if err := validateLogEntry(entry); err != nil {
		return nil, err
	}
	outcome := entry.Outcome
	if outcome == "" {
		outcome = OutcomeFailure
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ev := &Event{
		ID:           uuid.New().String(),
		SiteID:       entry.SiteID,
		EntityType:   entry.EntityType,
		EntityID:     entry.EntityID,
		Action:       entry.Action,
		Outcome:      outcome,
		Reason:       entry.Reason,
		CreatedAt:    r.now().UTC(),
		RequestID:    entry.RequestID,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
		PreviousHash: r.lastHash,
	}
	r.events = append(r.events, ev)
	r.lastHash = hashEvent(ev)

	if over := len(r.events) - r.maxEvents; over > 0 {
		clear(r.events[:over])
		r.events = r.events[over:]
	}

	cp := *ev
	return &cp, nil
}

// Query implements Repository.
func (r *InMemoryRepository) Query(_ context.Context, q Query) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Event
	for i := len(r.events) - 1; i >= 0; i-- {
		ev := r.events[i]
		if !q.matches(ev) {
			continue
		}
		cp := *ev
		results = append(results, &cp)
		if q.Limit > 0 && len(results) >= q.Limit {
			break
		}
	}
	return results, nil
}

// LastHash returns the hash of the newest event, or "" when empty.
func (r *InMemoryRepository) LastHash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastHash
}

// Len returns the number of retained events.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// VerifyChain recomputes the chain over the retained events.
func (r *InMemoryRepository) VerifyChain() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := 1; i < len(r.events); i++ {
		if r.events[i].PreviousHash != hashEvent(r.events[i-1]) {
			return ErrChainBroken
		}
	}
	if n := len(r.events); n > 0 && hashEvent(r.events[n-1]) != r.lastHash {
		return ErrChainBroken
	}
	return nil
}

func hashEvent(e *Event) string {
	return cryptoutil.HashParts(
		e.PreviousHash,
		e.ID,
		e.SiteID,
		e.EntityType,
		e.EntityID,
		e.Action,
		e.Outcome,
		e.Reason,
		e.CreatedAt.Format(time.RFC3339Nano),
		e.RequestID,
		e.IPAddress,
		e.UserAgent,
	)
}
