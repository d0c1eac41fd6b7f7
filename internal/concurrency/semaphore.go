// Package concurrency provides the counting semaphore that bounds how many
// documents the ingestion pipeline processes at once.
package concurrency

import (
	"context"
)

// Semaphore is a context-aware counting semaphore. A slot is a buffered
// channel send; Acquire blocks until a slot frees or ctx ends.
type Semaphore struct {
	slots chan struct{}
}

func NewSemaphore(limit int) *Semaphore {
	if limit <= 0 {
		limit = 1
	}
	return &Semaphore{slots: make(chan struct{}, limit)}
}

// Acquire takes a slot, blocking until one frees. It returns ctx.Err()
// without a slot when the context ends first, including a context that
// had already ended before the call.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot only if one is free right now.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot. Releasing more than was acquired is ignored.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// InUse reports how many slots are currently held.
func (s *Semaphore) InUse() int {
	return len(s.slots)
}

// Available reports how many slots are free.
func (s *Semaphore) Available() int {
	return cap(s.slots) - len(s.slots)
}
