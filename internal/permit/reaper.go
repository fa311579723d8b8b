package permit

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/clickguard/internal/jobs"
)

// Sweeper deletes permits that expired before a cutoff.
type Sweeper interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reap removes permits that expired more than retention ago.
func Reap(ctx context.Context, s Sweeper, retention time.Duration, now time.Time) (int64, error) {
	deleted, err := s.DeleteExpired(ctx, now.Add(-retention))
	if err != nil {
		slog.ErrorContext(ctx, "failed to reap expired permits", "error", err)
		return 0, err
	}

	if deleted > 0 {
		slog.InfoContext(ctx, "reaped expired permits", "deleted", deleted, "retention", retention)
	}
	return deleted, nil
}

// RunReaper calls Reap every interval until ctx is cancelled. Redemption
// never depends on it; expiry is enforced at redeem time. metrics may be nil.
//
// Example usage:
//
//	go permit.RunReaper(ctx, store, time.Hour, permit.DefaultRetention, jobMetrics)
func RunReaper(ctx context.Context, s Sweeper, interval, retention time.Duration, metrics *jobs.Metrics) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if _, err := Reap(ctx, s, retention, start); err != nil {
				metrics.Track(jobs.JobTypePermitReap, start, "store_error")
				continue
			}
			metrics.Track(jobs.JobTypePermitReap, start, "")
		case <-ctx.Done():
			slog.Info("stopping permit reaper")
			return
		}
	}
}
