package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLockSerializesSameKey(t *testing.T) {
	l := New()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "p1")
			if err != nil {
				t.Error(err)
				return
			}
			defer unlock()
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.False(t, l.Held("p1"), "entry should be dropped once released")
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	l := New()
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, ok := l.TryLock("b")
	require.True(t, ok)
	unlockB()
}

func TestTryLockRejectsWhileHeld(t *testing.T) {
	l := New()
	unlock, ok := l.TryLock("p1")
	require.True(t, ok)

	_, ok = l.TryLock("p1")
	assert.False(t, ok)

	unlock()
	unlock() // second release is a no-op

	again, ok := l.TryLock("p1")
	require.True(t, ok)
	again()
}

func TestLockHonorsContext(t *testing.T) {
	l := New()
	unlock, err := l.Lock(context.Background(), "p1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "p1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, l.Held("p1"))
}

func TestLockIsFIFO(t *testing.T) {
	l := New()
	ctx := context.Background()
	first, err := l.Lock(ctx, "p1")
	require.NoError(t, err)

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "p1")
			if err != nil {
				t.Error(err)
				return
			}
			order <- n
			unlock()
		}(i)
		// let each waiter enqueue before the next one
		require.Eventually(t, func() bool { return waiters(l, "p1") == i+2 }, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}
	first()
	wg.Wait()
	close(order)
	var got []int
	for n := range order {
		got = append(got, n)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func waiters(l *Locker, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		return e.refs
	}
	return 0
}
