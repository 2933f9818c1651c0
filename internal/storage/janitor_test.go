package storage_test

import (
	"context"
	"testing"
	"time"

	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/models"
	"chatgogo/rendezvous/internal/storage"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJanitor_Sweep(t *testing.T) {
	// Arrange
	clock := clockwork.NewFakeClock()
	backend := storage.NewMemoryBackend(storage.WithClock(clock))
	backend.Put(models.NewRoom("old", "addr-a", clock.Now().Add(-2*time.Hour), time.Hour))
	backend.Put(models.NewRoom("fresh", "addr-b", clock.Now(), time.Hour))

	j := storage.NewJanitor(backend.Connect(), time.Minute, clock, logger.Discard())

	// Act
	removed := j.Sweep(context.Background())

	// Assert
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, backend.Len())
}

func TestJanitor_RunSweepsOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := storage.NewMemoryBackend(storage.WithClock(clock))
	j := storage.NewJanitor(backend.Connect(), time.Minute, clock, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go j.Run(ctx)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	backend.Put(models.NewRoom("old", "addr-a", clock.Now().Add(-2*time.Hour), time.Hour))
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool { return backend.Len() == 0 }, time.Second, 5*time.Millisecond)
}
