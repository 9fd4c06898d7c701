package coordination

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func TestSetIfNotExistsIsExclusive(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const workers = 20

			var wg sync.WaitGroup
			var mu sync.Mutex
			winners := 0
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := s.SetIfNotExists(ctx, "lock", fmt.Sprint(i), time.Minute)
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, winners)

			require.NoError(t, s.Delete(ctx, "lock"))
			ok, err := s.SetIfNotExists(ctx, "lock", "again", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "lock must be acquirable after delete")
		})
	}
}

func TestListAppendAndDrain(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.ListAppend(ctx, "buf", "a"))
			require.NoError(t, s.ListAppend(ctx, "buf", "b"))
			require.NoError(t, s.Expire(ctx, "buf", time.Minute))

			values, err := s.ListRange(ctx, "buf")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, values)

			drained, err := s.Drain(ctx, "buf")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, drained)

			again, err := s.Drain(ctx, "buf")
			require.NoError(t, err)
			assert.Empty(t, again)
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := s.SetIfNotExists(ctx, "lock", "m1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = s.SetIfNotExists(ctx, "lock", "m2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must not block a new holder")
}

func TestRedisStoreExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client)
	ctx := context.Background()

	ok, err := s.SetIfNotExists(ctx, "lock", "m1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	ok, err = s.SetIfNotExists(ctx, "lock", "m2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
