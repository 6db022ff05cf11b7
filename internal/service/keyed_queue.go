package service

import (
	"context"
	"sync"
)

// KeyedQueue serializes work per key while leaving distinct keys free to
// interleave. The manager uses Run to serialize login steps per phone
// number; the webhook dispatcher uses Enqueue for in-order async delivery
// per account.
type KeyedQueue struct {
	mu     sync.Mutex
	chains map[string]chan struct{}
}

func NewKeyedQueue() *KeyedQueue {
	return &KeyedQueue{chains: map[string]chan struct{}{}}
}

// Run executes fn after every previously queued call for key has finished.
func (q *KeyedQueue) Run(ctx context.Context, key string, fn func(context.Context) error) error {
	previous, next := q.claim(key)

	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			// The chain link must not close before the predecessor is
			// done, or callers queued behind this one would run
			// concurrently with it. Hand the release off instead.
			go func() {
				<-previous
				q.release(key, next)
			}()
			return ctx.Err()
		}
	}

	defer q.release(key, next)
	return fn(ctx)
}

// Enqueue schedules fn on its own goroutine, ordered after all work
// already queued for key. It returns immediately.
func (q *KeyedQueue) Enqueue(ctx context.Context, key string, fn func(context.Context)) {
	previous, next := q.claim(key)

	go func() {
		if previous != nil {
			select {
			case <-previous:
			case <-ctx.Done():
				<-previous
				q.release(key, next)
				return
			}
		}
		defer q.release(key, next)
		fn(ctx)
	}()
}

func (q *KeyedQueue) claim(key string) (previous, next chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	previous = q.chains[key]
	next = make(chan struct{})
	q.chains[key] = next
	return previous, next
}

func (q *KeyedQueue) release(key string, next chan struct{}) {
	close(next)
	q.mu.Lock()
	if q.chains[key] == next {
		delete(q.chains, key)
	}
	q.mu.Unlock()
}
