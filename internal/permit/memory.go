package permit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/onnwee/clickguard/internal/actor"
	"github.com/onnwee/clickguard/internal/cryptoutil"
)

// MemoryStore keeps permits in process. Issue and Redeem for a resource run
// on that resource's actor, so the check-and-set in Redeem is never
// interleaved with another operation on the same resource.
type MemoryStore struct {
	actors *actor.Registry
	opts   options

	mu      sync.RWMutex
	permits map[string]*Permit // by nonce
}

// NewMemoryStore creates a store hosted on the given actor registry.
func NewMemoryStore(actors *actor.Registry, opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		actors:  actors,
		opts:    o,
		permits: make(map[string]*Permit),
	}
}

func actorKey(resourceID string) string {
	return "permit:" + resourceID
}

// Issue implements Store.
func (s *MemoryStore) Issue(ctx context.Context, resourceID, fingerprint string, ttl time.Duration) (Issued, error) {
	if resourceID == "" || fingerprint == "" {
		return Issued{}, ErrInvalidIssue
	}

	var (
		issued Issued
		opErr  error
	)
	err := s.actors.Do(ctx, actorKey(resourceID), func() {
		nonce, err := cryptoutil.RandomToken(cryptoutil.DefaultTokenBytes)
		if err != nil {
			opErr = err
			return
		}
		p := newPermit(nonce, resourceID, fingerprint, ttl, s.opts.now())

		s.mu.Lock()
		s.permits[nonce] = p
		s.mu.Unlock()

		issued = Issued{Nonce: nonce, ExpiresAt: p.ExpiresAt}
	})
	if err != nil {
		return Issued{}, fmt.Errorf("issuing permit: %w", err)
	}
	if opErr != nil {
		return Issued{}, fmt.Errorf("issuing permit: %w", opErr)
	}
	s.opts.metrics.incIssued()
	return issued, nil
}

// Redeem implements Store.
func (s *MemoryStore) Redeem(ctx context.Context, resourceID, nonce, fingerprint string) (*Permit, error) {
	if nonce == "" || fingerprint == "" || resourceID == "" {
		err := deny(ReasonBadRequest)
		s.opts.metrics.observeRedeem(err)
		return nil, err
	}

	var (
		result *Permit
		denied error
	)
	err := s.actors.Do(ctx, actorKey(resourceID), func() {
		s.mu.RLock()
		stored, ok := s.permits[nonce]
		var p *Permit
		if ok {
			p = stored.clone()
		}
		s.mu.RUnlock()

		if denied = applyRedeem(p, resourceID, fingerprint, s.opts.now()); denied != nil {
			return
		}

		s.mu.Lock()
		// The reaper may have dropped the record meanwhile; never resurrect it.
		if _, still := s.permits[nonce]; still {
			s.permits[nonce] = p
		}
		s.mu.Unlock()
		result = p.clone()
	})
	if err != nil {
		return nil, fmt.Errorf("redeeming permit: %w", err)
	}
	s.opts.metrics.observeRedeem(denied)
	if denied != nil {
		return nil, denied
	}
	return result, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, nonce string) (*Permit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.permits[nonce]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

// DeleteExpired removes permits whose expiry is before cutoff.
func (s *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for nonce, p := range s.permits {
		if p.ExpiresAt.Before(cutoff) {
			delete(s.permits, nonce)
			deleted++
		}
	}
	s.opts.metrics.addReaped(deleted)
	return deleted, nil
}

// Len returns the number of stored permits.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.permits)
}
