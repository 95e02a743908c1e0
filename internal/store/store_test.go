package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns a fresh store and a function advancing its clock
type storeFactory func(t *testing.T) (Store, func(time.Duration))

func memoryFactory(t *testing.T) (Store, func(time.Duration)) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })
	return s, func(d time.Duration) { now = now.Add(d) }
}

func sqliteFactory(t *testing.T) (Store, func(time.Duration)) {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var mu sync.Mutex
	now := time.Now()
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	return s, func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
}

func redisFactory(t *testing.T) (Store, func(time.Duration)) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "test:")
	t.Cleanup(func() { s.Close() })
	return s, mr.FastForward
}

var factories = map[string]storeFactory{
	"memory": memoryFactory,
	"sqlite": sqliteFactory,
	"redis":  redisFactory,
}

func TestStore_SetGetDelete(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			s, _ := factory(t)
			ctx := context.Background()

			_, found, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, s.Set(ctx, "k", []byte("v1"), 0))
			v, found, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, []byte("v1"), v)

			require.NoError(t, s.Set(ctx, "k", []byte("v2"), 0))
			v, _, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), v)

			require.NoError(t, s.Delete(ctx, "k"))
			_, found, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, found)

			// Deleting a missing key is not an error
			require.NoError(t, s.Delete(ctx, "k"))
		})
	}
}

func TestStore_Expiry(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			s, advance := factory(t)
			ctx := context.Background()

			require.NoError(t, s.Set(ctx, "ttl", []byte("x"), 10*time.Second))
			_, found, err := s.Get(ctx, "ttl")
			require.NoError(t, err)
			assert.True(t, found)

			advance(11 * time.Second)
			_, found, err = s.Get(ctx, "ttl")
			require.NoError(t, err)
			assert.False(t, found, "expired key must read as absent")
		})
	}
}

func TestStore_SetNX(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			s, advance := factory(t)
			ctx := context.Background()

			ok, err := s.SetNX(ctx, "lock", []byte("a"), 5*time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.SetNX(ctx, "lock", []byte("b"), 5*time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "second SetNX must not win")

			v, _, err := s.Get(ctx, "lock")
			require.NoError(t, err)
			assert.Equal(t, []byte("a"), v)

			advance(6 * time.Second)
			ok, err = s.SetNX(ctx, "lock", []byte("c"), 5*time.Second)
			require.NoError(t, err)
			assert.True(t, ok, "SetNX must win over an expired key")

			v, _, err = s.Get(ctx, "lock")
			require.NoError(t, err)
			assert.Equal(t, []byte("c"), v)
		})
	}
}

func TestStore_SetNXConcurrent(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			s, _ := factory(t)
			ctx := context.Background()

			const contenders = 8
			var wg sync.WaitGroup
			var mu sync.Mutex
			winners := 0
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.SetNX(ctx, "race", []byte("x"), time.Minute)
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, winners)
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	var out doc
	found, err := GetJSON(ctx, s, "doc", &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetJSON(ctx, s, "doc", doc{Name: "a", Count: 2}))
	found, err = GetJSON(ctx, s, "doc", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, doc{Name: "a", Count: 2}, out)

	require.NoError(t, s.Set(ctx, "bad", []byte("{not json"), 0))
	_, err = GetJSON(ctx, s, "bad", &out)
	require.Error(t, err)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "checkpoint", []byte(`{"phase":"media"}`), 0))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	v, found, err := s.Get(ctx, "checkpoint")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"phase":"media"}`, string(v))
}

func TestSQLiteStore_Closed(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(context.Background(), "k", nil, 0), ErrClosed)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	in := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", in, 0))
	in[0] = 'x'

	v, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), v)
}

func TestMemoryStore_ServesCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	created, err := s.SetNX(ctx, "k", []byte("w"), 0)
	require.NoError(t, err)
	assert.False(t, created)
	v, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), v)
	require.NoError(t, s.Delete(ctx, "k"))
}
