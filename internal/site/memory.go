package site

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDirectory is an in-process Directory, seeded from configuration.
// Lookups return copies so callers cannot mutate stored policy.
type MemoryDirectory struct {
	mu         sync.RWMutex
	byID       map[string]*Policy
	byHostname map[string]*Policy
	byToken    map[string]*Policy
	now        func() time.Time
}

// NewMemoryDirectory creates a directory holding seed. Seed policies keep
// their AccessTokenHash; a missing SiteID is generated.
func NewMemoryDirectory(seed ...Policy) (*MemoryDirectory, error) {
	d := &MemoryDirectory{
		byID:       make(map[string]*Policy),
		byHostname: make(map[string]*Policy),
		byToken:    make(map[string]*Policy),
		now:        time.Now,
	}
	for _, p := range seed {
		if err := d.insert(p); err != nil {
			return nil, fmt.Errorf("seeding site %q: %w", p.Hostname, err)
		}
	}
	return d, nil
}

func (d *MemoryDirectory) insert(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.Hostname = NormalizeHostname(p.Hostname)
	if p.SiteID == "" {
		p.SiteID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = d.now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byHostname[p.Hostname]; exists {
		return ErrHostnameTaken
	}
	stored := p.clone()
	d.byID[stored.SiteID] = stored
	d.byHostname[stored.Hostname] = stored
	if stored.AccessTokenHash != "" {
		d.byToken[stored.AccessTokenHash] = stored
	}
	return nil
}

// ByHostname implements Resolver.
func (d *MemoryDirectory) ByHostname(_ context.Context, hostname string) (*Policy, error) {
	key := NormalizeHostname(hostname)

	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.byHostname[key]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

// ByAccessTokenHash implements Resolver.
func (d *MemoryDirectory) ByAccessTokenHash(_ context.Context, hash string) (*Policy, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.byToken[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

// Create implements Directory.
func (d *MemoryDirectory) Create(_ context.Context, p Policy) (*Policy, string, error) {
	raw, err := ensureAccessToken(&p)
	if err != nil {
		return nil, "", err
	}
	if p.SiteID == "" {
		p.SiteID = uuid.New().String()
	}
	p.CreatedAt = d.now()
	if err := d.insert(p); err != nil {
		return nil, "", err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byID[p.SiteID].clone(), raw, nil
}

// RotateAccessToken implements Directory. The previous token stops
// resolving in the same critical section that installs the new one.
func (d *MemoryDirectory) RotateAccessToken(_ context.Context, siteID string) (string, error) {
	raw, hash, err := GenerateAccessToken()
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.byID[siteID]
	if !ok {
		return "", ErrNotFound
	}
	if p.AccessTokenHash != "" {
		delete(d.byToken, p.AccessTokenHash)
	}
	p.AccessTokenHash = hash
	d.byToken[hash] = p
	return raw, nil
}

// Len returns the number of sites.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}
