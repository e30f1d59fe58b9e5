package partition

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrWaitCancelled is returned when a Waiter is cancelled out from under a
// blocked caller.
var ErrWaitCancelled = errors.New("dcp: wait cancelled")

// ErrWaitTimeout is returned when a wait's context deadline elapses before
// the waiter is signalled.
var ErrWaitTimeout = errors.New("dcp: wait timed out")

// Waiter is a one-shot completion primitive: a replacement for the
// condition-variable-on-a-scalar-state pattern the Design Notes (§9) flag
// for rework. PartitionState does not hold one: WaitForStop blocks on
// PartitionState.WaitForState, and WaitForFailoverLog polls the session's
// failover log. Signal/Cancel are idempotent; only the first call has effect.
type Waiter struct {
	mu     sync.Mutex
	done   chan struct{}
	err    error
	signal bool
}

// NewWaiter returns a fresh, unsignalled Waiter.
func NewWaiter() *Waiter {
	return &Waiter{done: make(chan struct{})}
}

// Signal marks the waiter complete successfully. Safe to call from any
// goroutine; a second call is a no-op.
func (w *Waiter) Signal() {
	w.complete(nil)
}

// Cancel marks the waiter complete with ErrWaitCancelled; any caller blocked
// in Wait returns ErrWaitCancelled.
func (w *Waiter) Cancel() {
	w.complete(ErrWaitCancelled)
}

func (w *Waiter) complete(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.signal {
		return
	}
	w.signal = true
	w.err = err
	close(w.done)
}

// Wait blocks until Signal/Cancel is called or ctx is done, whichever comes
// first. A context deadline exceeded surfaces as ErrWaitTimeout rather than
// the stdlib context error, so callers can distinguish a timeout from a
// cancellation without importing "context".
func (w *Waiter) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ErrWaitTimeout
	}
}
