package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/onnwee/clickguard/internal/jobs"
)

// Worker defaults.
const (
	DefaultMaxRetries     = 6
	DefaultAttemptTimeout = 5 * time.Second
	DefaultRatePerSecond  = 20
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// MaxRetries bounds attempts per dequeued job after the first.
	MaxRetries uint64
	// AttemptTimeout bounds each Send.
	AttemptTimeout time.Duration
	// RatePerSecond paces sends across all jobs.
	RatePerSecond float64
	// NewBackOff builds the retry schedule for one job.
	NewBackOff func() backoff.BackOff
	Logger     *slog.Logger
	Metrics    *jobs.Metrics
}

// Worker drains a RetryQueue.
type Worker struct {
	queue   RetryQueue
	sender  Sender
	limiter *rate.Limiter
	cfg     WorkerConfig
}

// NewWorker creates a worker.
func NewWorker(queue RetryQueue, sender Sender, cfg WorkerConfig) *Worker {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(500*time.Millisecond),
				backoff.WithMaxInterval(30*time.Second),
				backoff.WithMaxElapsedTime(5*time.Minute),
			)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		queue:   queue,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		cfg:     cfg,
	}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.cfg.Logger.Info("delivery worker started")
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.cfg.Logger.Info("stopping delivery worker")
				return nil
			}
			w.cfg.Logger.Error("failed to dequeue delivery", "error", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		w.Process(ctx, job)
	}
}

// Process delivers one job with retries. It returns the final error, after
// which the job is dropped.
func (w *Worker) Process(ctx context.Context, job Job) error {
	start := time.Now()
	b := backoff.WithContext(backoff.WithMaxRetries(w.cfg.NewBackOff(), w.cfg.MaxRetries), ctx)

	err := backoff.Retry(func() error {
		if err := w.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		job.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
		defer cancel()

		err := w.sender.Send(attemptCtx, job)
		if err != nil && Permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)

	if err == nil {
		w.cfg.Metrics.Track(jobs.JobTypeDeliveryRetry, start, "")
		w.cfg.Logger.Info("attestation delivered from retry queue",
			"event_id", job.EventID, "attempts", job.Attempts)
		return nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	w.cfg.Metrics.Track(jobs.JobTypeDeliveryRetry, start, errorType(err))
	w.cfg.Logger.Error("giving up on attestation delivery",
		"event_id", job.EventID, "tenant_id", job.TenantID, "attempts", job.Attempts, "error", err)
	return err
}
