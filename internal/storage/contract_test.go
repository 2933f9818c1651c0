package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatgogo/rendezvous/internal/models"
	"chatgogo/rendezvous/internal/storage"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness opens independent client sessions against one shared backend.
type harness struct {
	connect func(t *testing.T) storage.RoomStore
	clock   *clockwork.FakeClock
}

type roomEvents chan *models.Room

func (ev roomEvents) collect(room *models.Room) { ev <- room }

func (ev roomEvents) next(t *testing.T) *models.Room {
	t.Helper()
	select {
	case room := <-ev:
		return room
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room notification")
		return nil
	}
}

func (ev roomEvents) none(t *testing.T) {
	t.Helper()
	select {
	case room := <-ev:
		t.Fatalf("unexpected notification: %+v", room)
	case <-time.After(100 * time.Millisecond):
	}
}

func runContract(t *testing.T, newHarness func(t *testing.T) harness) {
	t.Run("CreateAndGet", func(t *testing.T) {
		h := newHarness(t)
		store := h.connect(t)
		ctx := context.Background()

		id, err := store.CreateRoom(ctx, "host-1")
		require.NoError(t, err)
		require.NotEmpty(t, id)

		room, err := store.GetRoom(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, room)
		assert.Equal(t, id, room.ID)
		assert.Equal(t, "host-1", room.HostAddress)
		assert.Empty(t, room.GuestAddress)
		assert.Equal(t, h.clock.Now().UnixMilli(), room.CreatedAt)
		assert.Equal(t, int64(3_600_000), room.ExpiresAt-room.CreatedAt)
	})

	t.Run("GetMissingRoom", func(t *testing.T) {
		h := newHarness(t)
		store := h.connect(t)

		room, err := store.GetRoom(context.Background(), "00000000-0000-0000-0000-000000000000")
		assert.NoError(t, err)
		assert.Nil(t, room)
	})

	t.Run("JoinAttachesGuestOnce", func(t *testing.T) {
		h := newHarness(t)
		host, guest, late := h.connect(t), h.connect(t), h.connect(t)
		ctx := context.Background()

		id, err := host.CreateRoom(ctx, "host-1")
		require.NoError(t, err)

		room, err := guest.JoinRoom(ctx, id, "guest-1")
		require.NoError(t, err)
		assert.Equal(t, "host-1", room.HostAddress)
		assert.Equal(t, "guest-1", room.GuestAddress)

		_, err = late.JoinRoom(ctx, id, "guest-2")
		assert.ErrorIs(t, err, storage.ErrRoomOccupied)

		stored, err := host.GetRoom(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "guest-1", stored.GuestAddress)
	})

	t.Run("JoinMissingRoom", func(t *testing.T) {
		h := newHarness(t)
		store := h.connect(t)

		_, err := store.JoinRoom(context.Background(), "00000000-0000-0000-0000-000000000000", "guest")
		assert.ErrorIs(t, err, storage.ErrRoomNotFound)
	})

	t.Run("JoinExpiredRoomDeletesIt", func(t *testing.T) {
		h := newHarness(t)
		host, guest := h.connect(t), h.connect(t)
		ctx := context.Background()

		id, err := host.CreateRoom(ctx, "host-1")
		require.NoError(t, err)

		h.clock.Advance(time.Hour + time.Second)

		_, err = guest.JoinRoom(ctx, id, "guest-1")
		assert.ErrorIs(t, err, storage.ErrRoomNotFound)

		room, err := host.GetRoom(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, room, "expired room must be removed by the failed join")
	})

	t.Run("ConcurrentJoinsHaveOneWinner", func(t *testing.T) {
		h := newHarness(t)
		host := h.connect(t)
		ctx := context.Background()

		id, err := host.CreateRoom(ctx, "host-1")
		require.NoError(t, err)

		const guests = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for i := range guests {
			store := h.connect(t)
			addr := "guest-" + string(rune('a'+i))
			wg.Add(1)
			go func() {
				defer wg.Done()
				room, err := store.JoinRoom(ctx, id, addr)
				if err == nil {
					mu.Lock()
					winners = append(winners, room.GuestAddress)
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, storage.ErrRoomOccupied)
			}()
		}
		wg.Wait()

		require.Len(t, winners, 1)
		stored, err := host.GetRoom(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, winners[0], stored.GuestAddress)
	})

	t.Run("FindWaitingRoomFilters", func(t *testing.T) {
		h := newHarness(t)
		host, guest := h.connect(t), h.connect(t)
		ctx := context.Background()

		room, err := guest.FindWaitingRoom(ctx)
		require.NoError(t, err)
		assert.Nil(t, room, "no rooms at all")

		_, err = host.CreateRoom(ctx, "stale-host")
		require.NoError(t, err)
		h.clock.Advance(time.Hour + time.Minute)

		full, err := host.CreateRoom(ctx, "full-host")
		require.NoError(t, err)
		_, err = guest.JoinRoom(ctx, full, "someone")
		require.NoError(t, err)

		w1, err := host.CreateRoom(ctx, "waiting-1")
		require.NoError(t, err)
		w2, err := host.CreateRoom(ctx, "waiting-2")
		require.NoError(t, err)

		seen := map[string]bool{}
		for range 50 {
			room, err := guest.FindWaitingRoom(ctx)
			require.NoError(t, err)
			require.NotNil(t, room)
			require.Contains(t, []string{w1, w2}, room.ID)
			seen[room.ID] = true
		}
		assert.Len(t, seen, 2, "both waiting rooms should be picked over 50 draws")
	})

	t.Run("CleanupExpired", func(t *testing.T) {
		h := newHarness(t)
		store := h.connect(t)
		ctx := context.Background()

		removed, err := store.CleanupExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, removed)

		old, err := store.CreateRoom(ctx, "old")
		require.NoError(t, err)
		h.clock.Advance(time.Hour + time.Second)
		fresh, err := store.CreateRoom(ctx, "fresh")
		require.NoError(t, err)

		removed, err = store.CleanupExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		room, err := store.GetRoom(ctx, old)
		require.NoError(t, err)
		assert.Nil(t, room)

		room, err = store.GetRoom(ctx, fresh)
		require.NoError(t, err)
		assert.NotNil(t, room)
	})

	t.Run("SubscribeSeesLifecycle", func(t *testing.T) {
		h := newHarness(t)
		host, guest := h.connect(t), h.connect(t)
		ctx := context.Background()

		id, err := host.CreateRoom(ctx, "host-1")
		require.NoError(t, err)

		events := make(roomEvents, 16)
		unsubscribe, err := host.Subscribe(ctx, id, events.collect)
		require.NoError(t, err)
		defer unsubscribe()

		initial := events.next(t)
		require.NotNil(t, initial)
		assert.Empty(t, initial.GuestAddress)

		_, err = guest.JoinRoom(ctx, id, "guest-1")
		require.NoError(t, err)

		joined := events.next(t)
		require.NotNil(t, joined)
		assert.Equal(t, "guest-1", joined.GuestAddress)

		require.NoError(t, guest.DeleteRoom(ctx, id))
		assert.Nil(t, events.next(t))
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		h := newHarness(t)
		host, guest := h.connect(t), h.connect(t)
		ctx := context.Background()

		id, err := host.CreateRoom(ctx, "host-1")
		require.NoError(t, err)

		events := make(roomEvents, 16)
		unsubscribe, err := host.Subscribe(ctx, id, events.collect)
		require.NoError(t, err)
		events.next(t)

		unsubscribe()
		unsubscribe()

		_, err = guest.JoinRoom(ctx, id, "guest-1")
		require.NoError(t, err)
		events.none(t)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		h := newHarness(t)
		store := h.connect(t)
		ctx := context.Background()

		id, err := store.CreateRoom(ctx, "host-1")
		require.NoError(t, err)

		assert.NoError(t, store.DeleteRoom(ctx, id))
		assert.NoError(t, store.DeleteRoom(ctx, id))
	})

	t.Run("CloseDeletesOwnedRooms", func(t *testing.T) {
		h := newHarness(t)
		host, other := h.connect(t), h.connect(t)
		ctx := context.Background()

		id, err := host.CreateRoom(ctx, "host-1")
		require.NoError(t, err)
		foreign, err := other.CreateRoom(ctx, "host-2")
		require.NoError(t, err)

		events := make(roomEvents, 16)
		unsubscribe, err := other.Subscribe(ctx, id, events.collect)
		require.NoError(t, err)
		defer unsubscribe()
		events.next(t)

		require.NoError(t, host.Close())
		assert.Nil(t, events.next(t))

		room, err := other.GetRoom(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, room)

		room, err = other.GetRoom(ctx, foreign)
		require.NoError(t, err)
		assert.NotNil(t, room, "rooms of other sessions survive")

		_, err = host.CreateRoom(ctx, "again")
		assert.ErrorIs(t, err, storage.ErrStoreClosed)
	})
}
