package storage_test

import (
	"context"
	"testing"
	"time"

	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisHarness(t *testing.T) harness {
	mr := miniredis.RunT(t)
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))

	return harness{
		clock: clock,
		connect: func(t *testing.T) storage.RoomStore {
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			store := storage.NewRedisStore(rdb,
				storage.WithClock(clock),
				storage.WithLeaseTTL(time.Hour),
				storage.WithLogger(logger.Discard()),
			)
			t.Cleanup(func() {
				_ = store.Close()
				_ = rdb.Close()
			})
			return store
		},
	}
}

func TestRedisStore(t *testing.T) {
	runContract(t, newRedisHarness)
}

// TestRedisStore_OrphanedRoom covers a host that vanished without closing
// its session: the lease lapses and the room stops being offered.
func TestRedisStore_OrphanedRoom(t *testing.T) {
	// Arrange
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	host := storage.NewRedisStore(rdb, storage.WithLeaseTTL(time.Hour), storage.WithLogger(logger.Discard()))
	guest := storage.NewRedisStore(rdb, storage.WithLogger(logger.Discard()))
	defer host.Close()
	defer guest.Close()
	ctx := context.Background()

	id, err := host.CreateRoom(ctx, "host-1")
	require.NoError(t, err)

	room, err := guest.FindWaitingRoom(ctx)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, id, room.ID)

	// Act
	mr.FastForward(time.Hour + time.Second)

	// Assert
	room, err = guest.FindWaitingRoom(ctx)
	require.NoError(t, err)
	assert.Nil(t, room, "orphaned room must not be offered")

	removed, err := guest.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, mr.Exists("rendezvous:room:"+id))
}

func TestRedisStore_JoinOrphanedRoom(t *testing.T) {
	// Arrange
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	host := storage.NewRedisStore(rdb, storage.WithLeaseTTL(time.Hour), storage.WithLogger(logger.Discard()))
	guest := storage.NewRedisStore(rdb, storage.WithLogger(logger.Discard()))
	defer host.Close()
	defer guest.Close()
	ctx := context.Background()

	id, err := host.CreateRoom(ctx, "host-1")
	require.NoError(t, err)
	mr.FastForward(time.Hour + time.Second)

	// Act
	room, err := guest.JoinRoom(ctx, id, "guest-1")

	// Assert
	assert.ErrorIs(t, err, storage.ErrRoomNotFound)
	assert.Nil(t, room)
	assert.False(t, mr.Exists("rendezvous:room:"+id), "orphaned room is removed on join")

	members, err := mr.Members("rendezvous:rooms")
	if err == nil {
		assert.NotContains(t, members, id)
	}
}

func TestRedisStore_KeeperRefreshesLeaseOnClock(t *testing.T) {
	// Arrange
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	clock := clockwork.NewFakeClock()
	host := storage.NewRedisStore(rdb,
		storage.WithClock(clock),
		storage.WithLeaseTTL(3*time.Second),
		storage.WithLogger(logger.Discard()),
	)
	defer host.Close()

	id, err := host.CreateRoom(context.Background(), "host-1")
	require.NoError(t, err)
	lease := "rendezvous:room:" + id + ":lease"
	mr.FastForward(2 * time.Second)
	require.LessOrEqual(t, mr.TTL(lease), time.Second)

	// Act
	clock.Advance(time.Second)

	// Assert
	require.Eventually(t, func() bool { return mr.TTL(lease) > 2*time.Second }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, host.KeeperCount())
}

func TestRedisStore_KeeperStopsWhenRoomDeletedElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	clock := clockwork.NewFakeClock()
	host := storage.NewRedisStore(rdb,
		storage.WithClock(clock),
		storage.WithLeaseTTL(3*time.Second),
		storage.WithLogger(logger.Discard()),
	)
	other := storage.NewRedisStore(rdb, storage.WithLogger(logger.Discard()))
	defer host.Close()
	defer other.Close()
	ctx := context.Background()

	id, err := host.CreateRoom(ctx, "host-1")
	require.NoError(t, err)
	require.Equal(t, 1, host.KeeperCount())

	require.NoError(t, other.DeleteRoom(ctx, id))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return host.KeeperCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, mr.Exists("rendezvous:room:"+id+":lease"))
}

func TestRedisStore_CloseRemovesKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := storage.NewRedisStore(rdb, storage.WithLogger(logger.Discard()))
	id, err := store.CreateRoom(context.Background(), "host-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("rendezvous:room:"+id+":lease"))

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	assert.False(t, mr.Exists("rendezvous:room:"+id))
	assert.False(t, mr.Exists("rendezvous:room:"+id+":lease"))
	members, err := mr.Members("rendezvous:rooms")
	if err == nil {
		assert.NotContains(t, members, id)
	}
}

func TestRedisStore_PrunesStaleIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	_, err := mr.SAdd("rendezvous:rooms", "ghost")
	require.NoError(t, err)

	store := storage.NewRedisStore(rdb, storage.WithLogger(logger.Discard()))
	rooms, err := store.ListRooms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rooms)

	ok, _ := mr.SIsMember("rendezvous:rooms", "ghost")
	assert.False(t, ok)
}

func TestRedisStore_UnavailableWrapsError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	store := storage.NewRedisStore(rdb, storage.WithLogger(logger.Discard()))

	mr.Close()

	_, err := store.CreateRoom(context.Background(), "host")
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
}
