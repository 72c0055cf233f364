package bridge

import (
	"sync"
	"sync/atomic"
)

// authority owns the generation and cancel-token counters. Generations stamp
// every produced item so stale output can be rejected without locks on the
// hot path; the cancel token invalidates queued commands that were enqueued
// before the latest stop or speak. The stop signal is a channel the worker
// re-arms per utterance and CancelAll closes.
type authority struct {
	gen   atomic.Uint32
	token atomic.Uint32

	mu     sync.Mutex
	stopCh chan struct{}
}

func newAuthority() *authority {
	return &authority{stopCh: make(chan struct{})}
}

// NewUtterance mints the generation for the utterance being started.
func (a *authority) NewUtterance() uint32 {
	return a.gen.Add(1)
}

// Token returns the current cancel token for snapshot comparison.
func (a *authority) Token() uint32 {
	return a.token.Load()
}

// CancelAll bumps the token and signals the stop condition, waking the
// worker's completion wait. Returns the new token so a follow-up command can
// snapshot it.
func (a *authority) CancelAll() uint32 {
	t := a.token.Add(1)
	a.mu.Lock()
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	a.mu.Unlock()
	return t
}

// Arm replaces the stop channel for a new utterance and returns it. The
// worker arms before re-checking the command snapshot, so a cancel landing
// in between is still observed one way or the other.
func (a *authority) Arm() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopCh = make(chan struct{})
	return a.stopCh
}
