package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatgogo/rendezvous/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEndpoint_AcquireIsIdempotent(t *testing.T) {
	network := transport.NewMemoryNetwork()
	ep := network.NewEndpoint()
	ctx := context.Background()

	first, err := ep.Acquire(ctx)
	require.NoError(t, err)
	second, err := ep.Acquire(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, ep.Address())
	assert.Equal(t, 2, ep.AcquireCalls())
}

func TestMemoryEndpoint_AcquireFailure(t *testing.T) {
	ep := transport.NewMemoryNetwork().NewEndpoint()
	ep.FailAcquire(errors.New("no network"))

	_, err := ep.Acquire(context.Background())
	assert.ErrorIs(t, err, transport.ErrUnavailable)
}

func TestMemoryEndpoint_DialAcceptExchange(t *testing.T) {
	// Arrange
	network := transport.NewMemoryNetwork()
	alice, bob := network.NewEndpoint(), network.NewEndpoint()
	ctx := context.Background()
	aliceAddr, err := alice.Acquire(ctx)
	require.NoError(t, err)
	bobAddr, err := bob.Acquire(ctx)
	require.NoError(t, err)

	accepted := make(chan transport.Channel, 1)
	go func() {
		hs := <-bob.Handshakes()
		assert.Equal(t, aliceAddr, hs.From())
		ch, err := hs.Accept(ctx)
		assert.NoError(t, err)
		accepted <- ch
	}()

	// Act
	out, err := alice.Dial(ctx, bobAddr)
	require.NoError(t, err)
	in := <-accepted

	// Assert
	assert.Equal(t, bobAddr, out.RemoteAddress())
	assert.Equal(t, aliceAddr, in.RemoteAddress())

	require.NoError(t, out.Send([]byte("ping")))
	assert.Equal(t, []byte("ping"), <-in.Messages())
	require.NoError(t, in.Send([]byte("pong")))
	assert.Equal(t, []byte("pong"), <-out.Messages())

	require.NoError(t, in.Close())
	select {
	case <-out.Done():
	case <-time.After(time.Second):
		t.Fatal("closing one end must close the other")
	}
	assert.ErrorIs(t, out.Send([]byte("late")), transport.ErrClosed)
}

func TestMemoryEndpoint_DialRejectedAndUnknown(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice, bob := network.NewEndpoint(), network.NewEndpoint()
	ctx := context.Background()
	_, err := alice.Acquire(ctx)
	require.NoError(t, err)
	bobAddr, err := bob.Acquire(ctx)
	require.NoError(t, err)

	go func() { (<-bob.Handshakes()).Reject() }()
	_, err = alice.Dial(ctx, bobAddr)
	assert.ErrorIs(t, err, transport.ErrHandshakeRejected)

	_, err = alice.Dial(ctx, "mem-404")
	assert.ErrorIs(t, err, transport.ErrPeerUnavailable)

	require.NoError(t, bob.Close())
	_, err = alice.Dial(ctx, bobAddr)
	assert.ErrorIs(t, err, transport.ErrPeerUnavailable)
}

func TestMemoryEndpoint_DialRespectsContext(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice, bob := network.NewEndpoint(), network.NewEndpoint()
	_, err := alice.Acquire(context.Background())
	require.NoError(t, err)
	bobAddr, err := bob.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = alice.Dial(ctx, bobAddr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Accepting an abandoned handshake fails instead of leaking a channel.
	hs := <-bob.Handshakes()
	_, err = hs.Accept(context.Background())
	assert.ErrorIs(t, err, transport.ErrPeerUnavailable)
}

func TestMemoryEndpoint_LinkDropAndReconnect(t *testing.T) {
	ep := transport.NewMemoryNetwork().NewEndpoint()
	ctx := context.Background()
	addr, err := ep.Acquire(ctx)
	require.NoError(t, err)

	ep.DropLink()
	ev := <-ep.Events()
	assert.Equal(t, transport.LinkDropped, ev.Type)
	assert.False(t, ep.LinkUp())

	ep.FailReconnects(1)
	assert.ErrorIs(t, ep.Reconnect(ctx), transport.ErrUnavailable)
	assert.NoError(t, ep.Reconnect(ctx))
	assert.True(t, ep.LinkUp())
	assert.Equal(t, addr, ep.Address())
	assert.Equal(t, 2, ep.ReconnectCalls())
}
