package transport_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"chatgogo/rendezvous/internal/broker"
	"chatgogo/rendezvous/internal/config"
	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/models"
	"chatgogo/rendezvous/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	hub := broker.NewHub(logger.Discard())
	go hub.Run(ctx)

	h := broker.NewHandler(hub, config.BrokerConfig{JWTSecret: "test-secret", TokenTTL: time.Hour}, logger.Discard())
	srv := httptest.NewServer(broker.NewRouter(h))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func TestBrokerLink_ConnectIsIdempotent(t *testing.T) {
	srv := startBroker(t)
	link := transport.NewBrokerLink(srv.URL, logger.Discard())
	defer link.Close()
	ctx := context.Background()

	first, err := link.Connect(ctx)
	require.NoError(t, err)
	second, err := link.Connect(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestBrokerLink_Unreachable(t *testing.T) {
	srv := startBroker(t)
	url := srv.URL
	srv.Close()

	link := transport.NewBrokerLink(url, logger.Discard())
	_, err := link.Connect(context.Background())
	assert.ErrorIs(t, err, transport.ErrUnavailable)
}

func TestBrokerLink_RelaysSignals(t *testing.T) {
	srv := startBroker(t)
	ctx := context.Background()
	alice := transport.NewBrokerLink(srv.URL, logger.Discard())
	bob := transport.NewBrokerLink(srv.URL, logger.Discard())
	defer alice.Close()
	defer bob.Close()

	aliceAddr, err := alice.Connect(ctx)
	require.NoError(t, err)
	bobAddr, err := bob.Connect(ctx)
	require.NoError(t, err)

	require.NoError(t, alice.Send(ctx, models.Signal{Type: models.SignalOffer, To: bobAddr, SDP: "sdp"}))

	select {
	case sig := <-bob.Signals():
		assert.Equal(t, aliceAddr, sig.From)
		assert.Equal(t, "sdp", sig.SDP)
	case <-time.After(2 * time.Second):
		t.Fatal("signal not relayed")
	}
}

func TestBrokerLink_DropThenReconnectKeepsAddress(t *testing.T) {
	// Arrange
	srv := startBroker(t)
	ctx := context.Background()
	link := transport.NewBrokerLink(srv.URL, logger.Discard())
	defer link.Close()
	addr, err := link.Connect(ctx)
	require.NoError(t, err)

	// Act
	link.DropForTest()

	// Assert
	select {
	case ev := <-link.Events():
		assert.Equal(t, transport.LinkDropped, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no link-dropped event")
	}

	err = link.Send(ctx, models.Signal{Type: models.SignalOffer, To: "x"})
	assert.ErrorIs(t, err, transport.ErrUnavailable)

	require.NoError(t, link.Reconnect(ctx))
	assert.Equal(t, addr, link.Address())
}

func TestBrokerLink_CloseDoesNotReportDrop(t *testing.T) {
	srv := startBroker(t)
	link := transport.NewBrokerLink(srv.URL, logger.Discard())
	_, err := link.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, link.Close())

	select {
	case ev := <-link.Events():
		t.Fatalf("unexpected event %v", ev.Type)
	case <-time.After(200 * time.Millisecond):
	}

	_, err = link.Connect(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
}
