package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var m KeyedMutex
	var wg sync.WaitGroup
	counter := 0
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock := m.Lock("ten_1:create_site")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, n, counter)
}

func TestKeyedMutex_LockContextTimesOut(t *testing.T) {
	var m KeyedMutex
	unlock := m.Lock("sub_abc")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := m.LockContext(ctx, "sub_abc")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_LockContextAcquiresAfterRelease(t *testing.T) {
	var m KeyedMutex
	unlock := m.Lock("sub_abc")

	done := make(chan struct{})
	go func() {
		defer close(done)
		u, err := m.LockContext(context.Background(), "sub_abc")
		if assert.NoError(t, err) {
			u()
		}
	}()

	time.Sleep(10 * time.Millisecond)
	unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestKeyedMutex_DoubleUnlockIsSafe(t *testing.T) {
	var m KeyedMutex
	unlock := m.Lock("k")
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u, err := m.LockContext(ctx, "k")
	require.NoError(t, err)
	u()
}

func TestKeyedMutex_SameKeySameShard(t *testing.T) {
	var m KeyedMutex
	assert.Equal(t, m.shard("ten_1:subscribers"), m.shard("ten_1:subscribers"))
}
