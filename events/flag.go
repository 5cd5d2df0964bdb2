// Package events provides level-triggered condition flags that
// independent workers can observe and wait on.
package events

import (
	"context"
	"errors"
	"sync"
)

// ErrShutdown is returned by waits interrupted by the shutdown flag.
var ErrShutdown = errors.New("shutting down")

// Flag is a boolean condition. Waiters are released when it is set and
// keep being released until it is cleared. The zero value is a clear flag.
type Flag struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

func (f *Flag) chanLocked() chan struct{} {
	if f.ch == nil {
		f.ch = make(chan struct{})
	}
	return f.ch
}

// Set raises the flag, releasing every waiter.
func (f *Flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return
	}
	f.set = true
	close(f.chanLocked())
}

// Clear lowers the flag.
func (f *Flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		return
	}
	f.set = false
	f.ch = make(chan struct{})
}

// IsSet reports the current state.
func (f *Flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Done returns a channel that is closed while the flag is set. A channel
// obtained while the flag is clear stays open after a later Clear.
func (f *Flag) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chanLocked()
}

// Wait blocks until the flag is set or ctx is done.
func (f *Flag) Wait(ctx context.Context) error {
	select {
	case <-f.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Set groups the device conditions workers coordinate on.
type Set struct {
	// Online is raised while the device has network connectivity.
	Online Flag
	// StorageReady is raised once the vault filesystem is mounted and writable.
	StorageReady Flag
	// Shutdown is raised once when the process begins to stop.
	Shutdown Flag
}

// WaitFor blocks until want is set. It returns ErrShutdown if the shutdown
// flag is raised first, or the context error.
func (s *Set) WaitFor(ctx context.Context, want *Flag) error {
	select {
	case <-s.Shutdown.Done():
		return ErrShutdown
	default:
	}
	select {
	case <-want.Done():
		return nil
	case <-s.Shutdown.Done():
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}
