package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_SerializesSameProject(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "project-1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, locker.held())
}

func TestMemoryLocker_DifferentProjectsDoNotBlock(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	unlockA, err := locker.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	timeout, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlockB, err := locker.Lock(timeout, "b")
	require.NoError(t, err)
	unlockB()
}

func TestMemoryLocker_HonoursContext(t *testing.T) {
	locker := NewMemoryLocker()

	unlock, err := locker.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.Equal(t, 0, locker.held())
}

func newRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, ttl, zerolog.Nop()), mr
}

func TestRedisLocker(t *testing.T) {
	locker, mr := newRedisLocker(t, 5*time.Second)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "project-redis")
	require.NoError(t, err)
	assert.True(t, mr.Exists("gsl:project-lock:project-redis"))

	busy, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(busy, "project-redis")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.False(t, mr.Exists("gsl:project-lock:project-redis"))

	unlock2, err := locker.Lock(ctx, "project-redis")
	require.NoError(t, err)
	unlock2()
}

func TestRedisLocker_RenewsLeaseWhileHeld(t *testing.T) {
	ttl := 300 * time.Millisecond
	locker, mr := newRedisLocker(t, ttl)
	ctx := context.Background()
	key := "gsl:project-lock:project-lease"

	unlock, err := locker.Lock(ctx, "project-lease")
	require.NoError(t, err)

	// miniredis only ages keys when its clock is moved. Without renewal the
	// key would be gone after four steps.
	for i := 0; i < 6; i++ {
		time.Sleep(ttl / 2)
		mr.FastForward(ttl / 4)
		require.True(t, mr.Exists(key), "lease lost after %d steps", i+1)
	}

	busy, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(busy, "project-lease")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, mr.Exists(key))
}

func TestRedisLocker_ReleasedLeaseIsNotRenewed(t *testing.T) {
	ttl := 300 * time.Millisecond
	locker, mr := newRedisLocker(t, ttl)
	ctx := context.Background()
	key := "gsl:project-lock:project-released"

	unlock, err := locker.Lock(ctx, "project-released")
	require.NoError(t, err)
	unlock()

	// Another holder's lease must not be extended by the released one
	require.NoError(t, mr.Set(key, "other-holder"))
	mr.SetTTL(key, ttl)
	time.Sleep(ttl / 2)
	mr.FastForward(ttl)
	assert.False(t, mr.Exists(key))
}
