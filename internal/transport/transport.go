package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the endpoint could not be brought up or the
	// signaling link is down.
	ErrUnavailable       = errors.New("transport unavailable")
	ErrClosed            = errors.New("transport closed")
	ErrNotAcquired       = errors.New("transport address not acquired")
	ErrPeerUnavailable   = errors.New("peer unavailable")
	ErrHandshakeRejected = errors.New("handshake rejected")
)

type LinkEventType int

const (
	// LinkDropped reports that the signaling link went down. The endpoint
	// keeps its address and can be brought back with Reconnect.
	LinkDropped LinkEventType = iota + 1
)

func (t LinkEventType) String() string {
	switch t {
	case LinkDropped:
		return "link-dropped"
	default:
		return "unknown"
	}
}

type LinkEvent struct {
	Type LinkEventType
	Err  error
}

// Channel is an open, ordered, bidirectional data channel to one peer.
type Channel interface {
	RemoteAddress() string
	Send(payload []byte) error
	Messages() <-chan []byte
	// Done is closed once the channel is closed by either side.
	Done() <-chan struct{}
	Close() error
}

// Handshake is an inbound connection attempt awaiting a decision.
type Handshake interface {
	From() string
	Accept(ctx context.Context) (Channel, error)
	Reject()
}

// Endpoint is one client's presence on the peer network.
type Endpoint interface {
	// Acquire brings the endpoint up and returns its address. Calling it
	// again returns the same address.
	Acquire(ctx context.Context) (string, error)
	Address() string
	// Dial performs an outbound handshake and returns once the channel is open.
	Dial(ctx context.Context, address string) (Channel, error)
	Handshakes() <-chan Handshake
	// Events reports signaling link drops. These are not fatal by themselves.
	Events() <-chan LinkEvent
	// Reconnect re-establishes a dropped signaling link, keeping the address.
	Reconnect(ctx context.Context) error
	Close() error
}
