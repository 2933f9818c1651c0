package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/storage"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// TestPostgresStore runs the backend contract against a real database.
// Set POSTGRES_TEST_DSN to enable it.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	runContract(t, func(t *testing.T) harness {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		require.NoError(t, err)
		require.NoError(t, storage.Migrate(db))
		require.NoError(t, db.Exec("DELETE FROM rendezvous_rooms").Error)

		clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
		return harness{
			clock: clock,
			connect: func(t *testing.T) storage.RoomStore {
				store := storage.NewPostgresStore(db, dsn,
					storage.WithClock(clock),
					storage.WithLeaseTTL(24*time.Hour),
					storage.WithLogger(logger.Discard()),
				)
				t.Cleanup(func() { _ = store.Close() })
				return store
			},
		}
	})
}

// TestPostgresStore_JoinOrphanedRoom covers a host that stopped refreshing
// its lease: the room is gone for joiners even before the janitor runs.
func TestPostgresStore_JoinOrphanedRoom(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	// Arrange
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))
	require.NoError(t, db.Exec("DELETE FROM rendezvous_rooms").Error)

	start := time.UnixMilli(1_700_000_000_000)
	hostClock := clockwork.NewFakeClockAt(start)
	guestClock := clockwork.NewFakeClockAt(start.Add(2 * time.Minute))

	host := storage.NewPostgresStore(db, dsn,
		storage.WithClock(hostClock), storage.WithLeaseTTL(time.Minute), storage.WithLogger(logger.Discard()))
	guest := storage.NewPostgresStore(db, dsn,
		storage.WithClock(guestClock), storage.WithLogger(logger.Discard()))
	defer host.Close()
	defer guest.Close()
	ctx := context.Background()

	id, err := host.CreateRoom(ctx, "host-1")
	require.NoError(t, err)

	// Act
	room, err := guest.JoinRoom(ctx, id, "guest-1")

	// Assert
	require.ErrorIs(t, err, storage.ErrRoomNotFound)
	require.Nil(t, room)

	got, err := guest.GetRoom(ctx, id)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRoomRow_BeforeCreateGeneratesUUID(t *testing.T) {
	row := &storage.RoomRow{}
	require.NoError(t, row.BeforeCreate(nil))
	require.Len(t, row.ID, 36)

	row = &storage.RoomRow{ID: "keep"}
	require.NoError(t, row.BeforeCreate(nil))
	require.Equal(t, "keep", row.ID)
}
