// Package locks provides keyed mutexes with a bounded acquisition wait.
//
// The engine serializes on two independent axes: per-market (all pricing and
// settlement for one market) and per-user (all balance mutation for one
// user), always acquired market-before-user. Nothing in the engine blocks
// indefinitely: acquisition past the deadline fails with model.ErrBusy and
// the caller retries with backoff.
package locks

import (
	"fmt"
	"sync"
	"time"

	"github.com/campuscast/rumor-engine/internal/model"
)

// Table is a set of mutexes addressed by string key. Keys are created on
// first use and never reclaimed; the key space (users, markets) is small.
type Table struct {
	mu   sync.Mutex
	held map[string]chan struct{}
	wait time.Duration
}

// NewTable creates a table whose Acquire gives up after wait.
func NewTable(wait time.Duration) *Table {
	return &Table{
		held: make(map[string]chan struct{}),
		wait: wait,
	}
}

// Acquire takes the lock for key, waiting at most the table's bound.
// On success it returns a release func; on timeout it returns a model.ErrBusy
// wrapped with the key.
func (t *Table) Acquire(key string) (func(), error) {
	t.mu.Lock()
	ch, ok := t.held[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.held[key] = ch
	}
	t.mu.Unlock()

	timer := time.NewTimer(t.wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, fmt.Errorf("lock %s: %w", key, model.ErrBusy)
	}
}
