package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_LockUnlock(t *testing.T) {
	m := NewKeyedMutex(0)
	assert.Len(t, m.shards, DefaultShards)

	unlock, err := m.LockContext(context.Background(), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	unlock()
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex(16)
	addr := solana.NewWallet().PublicKey()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(context.Background(), addr)
			if !assert.NoError(t, err) {
				return
			}
			counter++ // racy unless the lock holds
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex(1)
	addr := solana.NewWallet().PublicKey()

	unlock, err := m.LockContext(context.Background(), addr)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.LockContext(ctx, addr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_SingleShardSerializesEverything(t *testing.T) {
	m := NewKeyedMutex(1)
	a, b := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	require.True(t, m.SameShard(a, b))

	unlock, err := m.LockContext(context.Background(), a)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.LockContext(ctx, b)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	unlock()
}

func TestKeyedMutex_DistinctShardsDoNotBlock(t *testing.T) {
	m := NewKeyedMutex(DefaultShards)
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()
	for m.SameShard(a, b) {
		b = solana.NewWallet().PublicKey()
	}

	unlockA, err := m.LockContext(context.Background(), a)
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := m.LockContext(ctx, b)
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutex_UnlockHandsOver(t *testing.T) {
	m := NewKeyedMutex(8)
	addr := solana.NewWallet().PublicKey()

	unlock, err := m.LockContext(context.Background(), addr)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(context.Background(), addr)
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired the lock before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second caller never acquired the lock")
	}
}
