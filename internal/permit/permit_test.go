package permit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/clickguard/internal/actor"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) *MemoryStore {
	t.Helper()
	reg := actor.NewRegistry(actor.Options{})
	t.Cleanup(reg.Close)
	return NewMemoryStore(reg, opts...)
}

func TestClampTTL(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"zero uses default", 0, DefaultTTL},
		{"negative uses default", -time.Second, DefaultTTL},
		{"below minimum", 5 * time.Second, MinTTL},
		{"at minimum", MinTTL, MinTTL},
		{"in range", 5 * time.Minute, 5 * time.Minute},
		{"above maximum", 2 * time.Hour, MaxTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampTTL(tt.in); got != tt.want {
				t.Errorf("ClampTTL(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestMemoryStore_IssueAndRedeem(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	issued, err := s.Issue(ctx, "r1", "fp1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if issued.Nonce == "" {
		t.Fatal("Issue() returned empty nonce")
	}
	if want := clock.Now().Add(5 * time.Minute); !issued.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", issued.ExpiresAt, want)
	}

	p, err := s.Redeem(ctx, "r1", issued.Nonce, "fp1")
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if !p.Redeemed || p.RedeemedAt == nil {
		t.Error("permit should be marked redeemed")
	}

	stored, err := s.Get(ctx, issued.Nonce)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !stored.Redeemed {
		t.Error("stored permit should be redeemed")
	}
}

func TestMemoryStore_IssueValidation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Issue(context.Background(), "", "fp", 0); !errors.Is(err, ErrInvalidIssue) {
		t.Errorf("Issue(empty resource) error = %v, want ErrInvalidIssue", err)
	}
	if _, err := s.Issue(context.Background(), "r1", "", 0); !errors.Is(err, ErrInvalidIssue) {
		t.Errorf("Issue(empty fingerprint) error = %v, want ErrInvalidIssue", err)
	}
}

func TestMemoryStore_IssueMintsIndependentPermits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		issued, err := s.Issue(ctx, "r1", "fp1", 0)
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		if seen[issued.Nonce] {
			t.Fatalf("duplicate nonce %s", issued.Nonce)
		}
		seen[issued.Nonce] = true
	}
	if s.Len() != 10 {
		t.Errorf("Len() = %d, want 10", s.Len())
	}
	for nonce := range seen {
		p, err := s.Get(ctx, nonce)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if p.Redeemed {
			t.Error("issuing must never redeem")
		}
	}
}

func TestMemoryStore_RedeemReasons(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	issued, err := s.Issue(ctx, "r1", "fp1", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tests := []struct {
		name       string
		resourceID string
		nonce      string
		fp         string
		want       error
		reason     Reason
	}{
		{"empty nonce", "r1", "", "fp1", ErrBadRequest, ReasonBadRequest},
		{"empty fingerprint", "r1", issued.Nonce, "", ErrBadRequest, ReasonBadRequest},
		{"unknown nonce", "r1", "nope", "fp1", ErrNotFound, ReasonNotFound},
		{"other resource", "r2", issued.Nonce, "fp1", ErrNotFound, ReasonNotFound},
		{"wrong fingerprint", "r1", issued.Nonce, "fp2", ErrContinuityMismatch, ReasonContinuityMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Redeem(ctx, tt.resourceID, tt.nonce, tt.fp)
			if !errors.Is(err, tt.want) {
				t.Errorf("Redeem() error = %v, want %v", err, tt.want)
			}
			if reason, ok := ReasonOf(err); !ok || reason != tt.reason {
				t.Errorf("ReasonOf() = %q, %v, want %q", reason, ok, tt.reason)
			}
		})
	}

	// Denials above must not have consumed the permit.
	if _, err := s.Redeem(ctx, "r1", issued.Nonce, "fp1"); err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if _, err := s.Redeem(ctx, "r1", issued.Nonce, "fp1"); !errors.Is(err, ErrReplay) {
		t.Errorf("second Redeem() error = %v, want ErrReplay", err)
	}
}

func TestMemoryStore_FingerprintBindingBeatsOtherStates(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	redeemed, _ := s.Issue(ctx, "r1", "fp1", time.Minute)
	if _, err := s.Redeem(ctx, "r1", redeemed.Nonce, "fp1"); err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	expired, _ := s.Issue(ctx, "r1", "fp1", time.Minute)
	clock.Advance(2 * time.Minute)

	for _, nonce := range []string{redeemed.Nonce, expired.Nonce} {
		if _, err := s.Redeem(ctx, "r1", nonce, "fp2"); !errors.Is(err, ErrContinuityMismatch) {
			t.Errorf("Redeem(fp2) error = %v, want ErrContinuityMismatch", err)
		}
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	issued, err := s.Issue(ctx, "r1", "fp1", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := s.Redeem(ctx, "r1", issued.Nonce, "fp1"); !errors.Is(err, ErrExpired) {
		t.Errorf("Redeem() at expiry error = %v, want ErrExpired", err)
	}

	// Expiry does not consume the permit, but it stays expired.
	p, _ := s.Get(ctx, issued.Nonce)
	if p.Redeemed {
		t.Error("expired permit must not be marked redeemed")
	}
}

func TestMemoryStore_ReplayReportedBeforeExpiry(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	issued, _ := s.Issue(ctx, "r1", "fp1", time.Minute)
	if _, err := s.Redeem(ctx, "r1", issued.Nonce, "fp1"); err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	clock.Advance(time.Hour)
	if _, err := s.Redeem(ctx, "r1", issued.Nonce, "fp1"); !errors.Is(err, ErrReplay) {
		t.Errorf("Redeem() error = %v, want ErrReplay", err)
	}
}

func TestMemoryStore_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issued, err := s.Issue(ctx, "r1", "fp1", 0)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	const attempts = 100
	var wg sync.WaitGroup
	var wins, replays atomic.Int64
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Redeem(ctx, "r1", issued.Nonce, "fp1")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrReplay):
				replays.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("wins = %d, want 1", wins.Load())
	}
	if replays.Load() != attempts-1 {
		t.Errorf("replays = %d, want %d", replays.Load(), attempts-1)
	}
}

func TestMemoryStore_ParallelResources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resource := "r" + string(rune('a'+i))
			issued, err := s.Issue(ctx, resource, "fp", 0)
			if err != nil {
				t.Errorf("Issue() error = %v", err)
				return
			}
			if _, err := s.Redeem(ctx, resource, issued.Nonce, "fp"); err != nil {
				t.Errorf("Redeem() error = %v", err)
			}
		}(i)
	}
	wg.Wait()
}

func TestMemoryStore_Reap(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	old, _ := s.Issue(ctx, "r1", "fp1", time.Minute)
	clock.Advance(2 * time.Hour)
	fresh, _ := s.Issue(ctx, "r1", "fp1", time.Minute)

	deleted, err := Reap(ctx, s, time.Hour, clock.Now())
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := s.Get(ctx, old.Nonce); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(old) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, fresh.Nonce); err != nil {
		t.Errorf("Get(fresh) error = %v", err)
	}
}

func TestRunReaper_StopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunReaper(ctx, s, 10*time.Millisecond, time.Hour, nil)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunReaper did not stop after cancel")
	}
}

func TestContinuity(t *testing.T) {
	fp := Fingerprint("203.0.113.7", "Mozilla/5.0")
	if fp != Fingerprint("203.0.113.7", "Mozilla/5.0") {
		t.Fatal("Fingerprint must be deterministic")
	}
	if fp == Fingerprint("203.0.113.8", "Mozilla/5.0") {
		t.Error("Fingerprint must depend on ip")
	}

	at := time.UnixMilli(1767323045000)
	value := ContinuityValue(fp, at)

	gotFP, gotAt, err := ParseContinuity(value)
	if err != nil {
		t.Fatalf("ParseContinuity() error = %v", err)
	}
	if gotFP != fp || !gotAt.Equal(at) {
		t.Errorf("ParseContinuity() = %s, %v, want %s, %v", gotFP, gotAt, fp, at)
	}

	for _, bad := range []string{"", "abc", "-123", "abc-", "abc-xyz"} {
		if _, _, err := ParseContinuity(bad); !errors.Is(err, ErrMalformedContinuity) {
			t.Errorf("ParseContinuity(%q) error = %v, want ErrMalformedContinuity", bad, err)
		}
	}
}

func TestMetrics_RecordsOutcomes(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	s := newTestStore(t, WithMetrics(m))
	ctx := context.Background()
	issued, _ := s.Issue(ctx, "r1", "fp1", 0)
	_, _ = s.Redeem(ctx, "r1", issued.Nonce, "fp1")
	_, _ = s.Redeem(ctx, "r1", issued.Nonce, "fp1")

	if got := counterValue(t, m.redeems, OutcomeRedeemed); got != 1 {
		t.Errorf("redeemed count = %v, want 1", got)
	}
	if got := counterValue(t, m.redeems, string(ReasonReplay)); got != 1 {
		t.Errorf("replay count = %v, want 1", got)
	}
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues() error = %v", err)
	}
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return metric.GetCounter().GetValue()
}
