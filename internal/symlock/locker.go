// Package symlock provides per-symbol mutual exclusion with a bounded wait.
//
// Every ledger or cycle mutation for a symbol happens while holding that
// symbol's lock. Reads (plan previews) never take it.
package symlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/infinitrader/engine/internal/model"
)

// Locker hands out one lock per symbol. The zero value is not usable; call New.
type Locker struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// New creates a Locker. timeout bounds how long Lock waits when the caller's
// context carries no earlier deadline.
func New(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Locker{
		timeout: timeout,
		slots:   make(map[string]chan struct{}),
	}
}

func (l *Locker) slot(sym string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[sym]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[sym] = ch
	}
	return ch
}

// Lock acquires sym's lock and returns its unlock function. When the lock
// cannot be acquired before the deadline it returns model.ErrConcurrentMutation
// wrapped in a SymbolError.
func (l *Locker) Lock(ctx context.Context, sym string) (func(), error) {
	ch := l.slot(sym)

	select {
	case ch <- struct{}{}:
		return l.unlocker(ch), nil
	default:
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return l.unlocker(ch), nil
	case <-timer.C:
		return nil, model.NewSymbolError(sym, fmt.Errorf("%w: waited %s", model.ErrConcurrentMutation, l.timeout))
	case <-ctx.Done():
		return nil, model.NewSymbolError(sym, fmt.Errorf("%w: %v", model.ErrConcurrentMutation, ctx.Err()))
	}
}

func (l *Locker) unlocker(ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}
}

// Do runs fn while holding sym's lock.
func (l *Locker) Do(ctx context.Context, sym string, fn func() error) error {
	unlock, err := l.Lock(ctx, sym)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}
