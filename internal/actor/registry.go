// Package actor runs operations for a key on a dedicated goroutine so that
// all work for one key is strictly serialised while different keys proceed in
// parallel. There is no lock held across keys while an operation runs; the
// registry mutex only guards actor lookup and spawn.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for NewRegistry.
const (
	DefaultIdleTimeout = 30 * time.Second
	DefaultMailboxSize = 64
)

var (
	// ErrClosed is returned when the registry has been closed.
	ErrClosed = errors.New("actor registry closed")
	// ErrEmptyKey is returned for operations without a key.
	ErrEmptyKey = errors.New("actor key cannot be empty")
)

// Options configures a Registry.
type Options struct {
	// IdleTimeout is how long an actor waits for work before exiting.
	IdleTimeout time.Duration
	// MailboxSize bounds queued operations per key.
	MailboxSize int
}

// Registry maps keys to running actors.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*actor
	opts   Options
	quit   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

type actor struct {
	key     string
	mailbox chan func()
	exited  chan struct{}
	// pending counts callers that resolved this actor but have not yet
	// enqueued. An actor never evicts itself while pending > 0.
	pending atomic.Int64
}

// NewRegistry creates a registry. Zero option values fall back to defaults.
func NewRegistry(opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	return &Registry{
		actors: make(map[string]*actor),
		opts:   opts,
		quit:   make(chan struct{}),
	}
}

// Do runs fn on the actor for key and waits for it to finish. Operations for
// the same key never overlap. Once fn has been enqueued it always runs to
// completion; ctx only bounds the time spent waiting for mailbox space.
// A panic in fn is recovered and returned as an error.
func (r *Registry) Do(ctx context.Context, key string, fn func()) error {
	if key == "" {
		return ErrEmptyKey
	}

	a, err := r.acquire(key)
	if err != nil {
		return err
	}

	var opErr error
	done := make(chan struct{})
	job := func() {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				opErr = fmt.Errorf("actor %q: operation panicked: %v", key, p)
			}
		}()
		fn()
	}

	select {
	case a.mailbox <- job:
		a.pending.Add(-1)
	case <-ctx.Done():
		a.pending.Add(-1)
		return ctx.Err()
	case <-r.quit:
		a.pending.Add(-1)
		return ErrClosed
	}

	select {
	case <-done:
		return opErr
	case <-a.exited:
		// The actor drained and exited during shutdown; the job may have
		// been the last one processed.
		select {
		case <-done:
			return opErr
		default:
			return ErrClosed
		}
	}
}

// Len returns the number of live actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Close stops all actors after draining queued work and waits for them.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.quit)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Registry) acquire(key string) (*actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	a, ok := r.actors[key]
	if !ok {
		a = &actor{
			key:     key,
			mailbox: make(chan func(), r.opts.MailboxSize),
			exited:  make(chan struct{}),
		}
		r.actors[key] = a
		r.wg.Add(1)
		go r.run(a)
	}
	a.pending.Add(1)
	return a, nil
}

func (r *Registry) run(a *actor) {
	defer r.wg.Done()
	defer close(a.exited)

	idle := time.NewTimer(r.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case job := <-a.mailbox:
			job()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.opts.IdleTimeout)

		case <-idle.C:
			if r.tryEvict(a) {
				return
			}
			idle.Reset(r.opts.IdleTimeout)

		case <-r.quit:
			r.drain(a)
			return
		}
	}
}

// tryEvict removes an idle actor from the registry. It holds the registry
// mutex so no caller can resolve the actor between the check and removal.
func (r *Registry) tryEvict(a *actor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.pending.Load() > 0 || len(a.mailbox) > 0 {
		return false
	}
	delete(r.actors, a.key)
	return true
}

func (r *Registry) drain(a *actor) {
	r.mu.Lock()
	delete(r.actors, a.key)
	r.mu.Unlock()

	for {
		select {
		case job := <-a.mailbox:
			job()
		default:
			return
		}
	}
}
