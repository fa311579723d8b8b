package permit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newRedisStore connects to a local Redis instance, skipping the test when
// none is available.
func newRedisStore(t *testing.T, opts ...Option) (*RedisStore, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, opts...), client
}

func TestRedisStore_IssueAndRedeem(t *testing.T) {
	s, client := newRedisStore(t)
	ctx := context.Background()

	issued, err := s.Issue(ctx, "redis-r1", "fp1", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	defer client.Del(ctx, redisKey(issued.Nonce))

	ttl, err := client.PTTL(ctx, redisKey(issued.Nonce)).Result()
	if err != nil {
		t.Fatalf("PTTL error = %v", err)
	}
	if ttl <= time.Minute {
		t.Errorf("key TTL = %v, want expiry plus retention", ttl)
	}

	if _, err := s.Redeem(ctx, "redis-r1", issued.Nonce, "fp2"); !errors.Is(err, ErrContinuityMismatch) {
		t.Errorf("Redeem(fp2) error = %v, want ErrContinuityMismatch", err)
	}
	p, err := s.Redeem(ctx, "redis-r1", issued.Nonce, "fp1")
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if !p.Redeemed {
		t.Error("permit should be redeemed")
	}
	if _, err := s.Redeem(ctx, "redis-r1", issued.Nonce, "fp1"); !errors.Is(err, ErrReplay) {
		t.Errorf("second Redeem() error = %v, want ErrReplay", err)
	}

	// The key keeps its TTL after redeem.
	ttl, _ = client.PTTL(ctx, redisKey(issued.Nonce)).Result()
	if ttl <= 0 {
		t.Errorf("TTL after redeem = %v, want positive", ttl)
	}
}

func TestRedisStore_NotFoundAndExpired(t *testing.T) {
	clock := newFakeClock()
	s, client := newRedisStore(t, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := s.Redeem(ctx, "redis-r1", "missing-nonce", "fp1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Redeem(missing) error = %v, want ErrNotFound", err)
	}

	issued, err := s.Issue(ctx, "redis-r1", "fp1", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	defer client.Del(ctx, redisKey(issued.Nonce))

	clock.Advance(2 * time.Minute)
	if _, err := s.Redeem(ctx, "redis-r1", issued.Nonce, "fp1"); !errors.Is(err, ErrExpired) {
		t.Errorf("Redeem() error = %v, want ErrExpired", err)
	}
}

func TestRedisStore_ExactlyOnce(t *testing.T) {
	s, client := newRedisStore(t)
	ctx := context.Background()

	issued, err := s.Issue(ctx, "redis-r1", "fp1", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	defer client.Del(ctx, redisKey(issued.Nonce))

	var (
		mu   sync.Mutex
		wins int
		wg   sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Redeem(ctx, "redis-r1", issued.Nonce, "fp1")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrReplay) && !errors.Is(err, ErrContention) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}
