package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/clickguard/internal/jobs"
)

// DefaultTimeout bounds the first delivery attempt.
const DefaultTimeout = 800 * time.Millisecond

// Dispatcher runs first delivery attempts in the background.
type Dispatcher struct {
	sender  Sender
	queue   RetryQueue
	timeout time.Duration
	logger  *slog.Logger
	metrics *jobs.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *jobs.Metrics
}

// NewDispatcher creates a dispatcher. Failed or late attempts go to queue.
func NewDispatcher(sender Sender, queue RetryQueue, cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		sender:  sender,
		queue:   queue,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Dispatch starts delivering job and returns immediately. The attempt runs
// on its own context so a finished HTTP request does not cancel it.
func (d *Dispatcher) Dispatch(job Job) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.handOff(context.Background(), job, nil)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sender.Send(ctx, job)
		cancel()

		if err == nil {
			d.metrics.Track(jobs.JobTypeDeliveryDispatch, start, "")
			return
		}
		d.metrics.Track(jobs.JobTypeDeliveryDispatch, start, errorType(err))
		d.handOff(context.Background(), job, err)
	}()
}

func (d *Dispatcher) handOff(ctx context.Context, job Job, cause error) {
	job.Attempts++
	job.EnqueuedAt = time.Now()
	if err := d.queue.Enqueue(ctx, job); err != nil {
		d.metrics.IncJobErrors(jobs.JobTypeDeliveryDispatch, errorType(err))
		d.logger.Error("dropping attestation delivery",
			"event_id", job.EventID, "tenant_id", job.TenantID, "error", err)
		return
	}
	if cause != nil {
		d.logger.Warn("attestation delivery deferred to retry queue",
			"event_id", job.EventID, "tenant_id", job.TenantID, "error", cause)
	}
}

// Close stops accepting background attempts and waits for in-flight ones
// until ctx is done. Jobs dispatched after Close go straight to the queue.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
