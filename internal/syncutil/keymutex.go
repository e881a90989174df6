// Package syncutil provides keyed locking primitives used to serialize
// per-account work such as nonce lane allocation.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// KeyMutex is a fixed-size pool of mutexes keyed by string. Memory stays
// bounded no matter how many accounts are seen, at the cost of occasional
// false sharing between keys that hash to the same shard.
type KeyMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (m *KeyMutex) Lock(key string) func() {
	mu := &m.shards[shardIdx(key)]
	mu.Lock()
	return mu.Unlock
}

// ContextKeyMutex is a keyed mutex whose acquisition respects context
// cancellation. Used where the critical section wraps a chain RPC call and
// waiters should be able to bail out.
type ContextKeyMutex struct {
	shards [256]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// against a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewContextKeyMutex creates a new context-aware keyed mutex.
func NewContextKeyMutex() *ContextKeyMutex {
	m := &ContextKeyMutex{}
	m.init()
	return m
}

func (m *ContextKeyMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // start unlocked
		}
	})
}

// Lock acquires the mutex for the given key, respecting context
// cancellation. On success it returns an unlock function that the caller
// MUST invoke; on cancellation it returns nil and the context error.
func (m *ContextKeyMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
