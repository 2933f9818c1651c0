package storage_test

import (
	"context"
	"testing"

	"chatgogo/rendezvous/internal/config"
	"chatgogo/rendezvous/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store, err := storage.Open(ctx, config.StoreConfig{Backend: config.BackendMemory})
		require.NoError(t, err)
		assert.IsType(t, &storage.MemoryStore{}, store)
		assert.NoError(t, store.Close())
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := storage.Open(ctx, config.StoreConfig{
			Backend: config.BackendRedis,
			Redis:   config.RedisConfig{Addr: mr.Addr()},
		})
		require.NoError(t, err)
		assert.IsType(t, &storage.RedisStore{}, store)
		assert.NoError(t, store.Close())
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := storage.Open(ctx, config.StoreConfig{
			Backend: config.BackendRedis,
			Redis:   config.RedisConfig{Addr: addr},
		})
		assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := storage.Open(ctx, config.StoreConfig{Backend: "etcd"})
		assert.Error(t, err)
	})
}
