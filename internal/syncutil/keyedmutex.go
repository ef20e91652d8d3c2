// Package syncutil provides locks keyed by account address.
package syncutil

import (
	"context"
	"hash/fnv"

	"github.com/gagliardetto/solana-go"
)

// DefaultShards is the shard count used by NewKeyedMutex when given 0.
const DefaultShards = 256

// KeyedMutex serializes work per account address over a fixed pool of
// channel-based locks, so memory stays bounded however many addresses are
// seen. Addresses that hash to the same shard share a lock.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a lock pool with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{} // start unlocked
	}
	return m
}

// LockContext acquires the lock for addr. On success it returns the unlock
// function, which the caller must call. If ctx ends first it returns ctx's
// error and holds nothing.
func (m *KeyedMutex) LockContext(ctx context.Context, addr solana.PublicKey) (func(), error) {
	shard := m.shards[m.shardIdx(addr)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SameShard reports whether two addresses contend for one lock.
func (m *KeyedMutex) SameShard(a, b solana.PublicKey) bool {
	return m.shardIdx(a) == m.shardIdx(b)
}

func (m *KeyedMutex) shardIdx(addr solana.PublicKey) int {
	h := fnv.New32a()
	_, _ = h.Write(addr[:])
	return int(h.Sum32() % uint32(len(m.shards)))
}
