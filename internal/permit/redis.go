package permit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/clickguard/internal/codec"
	"github.com/onnwee/clickguard/internal/cryptoutil"
)

const (
	redisKeyPrefix = "clickguard:permit:"
	// maxCASAttempts bounds optimistic retries when a concurrent redeem
	// touches the same key between WATCH and EXEC.
	maxCASAttempts = 8
)

// ErrContention is returned when a redeem could not commit after
// maxCASAttempts optimistic retries.
var ErrContention = errors.New("permit redeem contention")

// RedisStore keeps permits in Redis, one CBOR-encoded value per nonce. Redeem
// is a WATCH/MULTI/EXEC check-and-set on the nonce key; a losing concurrent
// transaction retries and then observes the winner's redeemed record.
type RedisStore struct {
	client *redis.Client
	opts   options
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, opts: o}
}

func redisKey(nonce string) string {
	return redisKeyPrefix + nonce
}

// Issue implements Store. The key expires after the permit's TTL plus the
// retention period.
func (s *RedisStore) Issue(ctx context.Context, resourceID, fingerprint string, ttl time.Duration) (Issued, error) {
	if resourceID == "" || fingerprint == "" {
		return Issued{}, ErrInvalidIssue
	}

	for attempt := 0; attempt < 3; attempt++ {
		nonce, err := cryptoutil.RandomToken(cryptoutil.DefaultTokenBytes)
		if err != nil {
			return Issued{}, fmt.Errorf("issuing permit: %w", err)
		}
		now := s.opts.now()
		p := newPermit(nonce, resourceID, fingerprint, ttl, now)

		data, err := codec.Marshal(p)
		if err != nil {
			return Issued{}, fmt.Errorf("encoding permit: %w", err)
		}

		keyTTL := p.ExpiresAt.Sub(now) + s.opts.retention
		ok, err := s.client.SetNX(ctx, redisKey(nonce), data, keyTTL).Result()
		if err != nil {
			return Issued{}, fmt.Errorf("storing permit: %w", err)
		}
		if ok {
			s.opts.metrics.incIssued()
			return Issued{Nonce: nonce, ExpiresAt: p.ExpiresAt}, nil
		}
	}
	return Issued{}, errors.New("issuing permit: nonce collision")
}

// Redeem implements Store.
func (s *RedisStore) Redeem(ctx context.Context, resourceID, nonce, fingerprint string) (*Permit, error) {
	if nonce == "" || fingerprint == "" || resourceID == "" {
		err := deny(ReasonBadRequest)
		s.opts.metrics.observeRedeem(err)
		return nil, err
	}

	key := redisKey(nonce)
	var result *Permit

	txf := func(tx *redis.Tx) error {
		var p *Permit
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			p = &Permit{}
			if err := codec.Unmarshal(data, p); err != nil {
				return fmt.Errorf("decoding permit: %w", err)
			}
		}

		if err := applyRedeem(p, resourceID, fingerprint, s.opts.now()); err != nil {
			return err
		}

		out, err := codec.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding permit: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		if err == nil {
			result = p
		}
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if _, denied := ReasonOf(err); denied {
			s.opts.metrics.observeRedeem(err)
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("redeeming permit: %w", err)
		}
		s.opts.metrics.observeRedeem(nil)
		return result, nil
	}
	return nil, ErrContention
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, nonce string) (*Permit, error) {
	data, err := s.client.Get(ctx, redisKey(nonce)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading permit: %w", err)
	}
	var p Permit
	if err := codec.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding permit: %w", err)
	}
	return &p, nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
