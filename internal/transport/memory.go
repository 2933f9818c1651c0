package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemoryNetwork connects MemoryEndpoints inside one process. It supports
// fault injection and is meant for tests and local demos.
type MemoryNetwork struct {
	mu        sync.Mutex
	seq       int
	endpoints map[string]*MemoryEndpoint
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*MemoryEndpoint)}
}

func (n *MemoryNetwork) NewEndpoint() *MemoryEndpoint {
	return &MemoryEndpoint{
		network:    n,
		handshakes: make(chan Handshake, handshakeBuffer),
		events:     make(chan LinkEvent, 8),
	}
}

func (n *MemoryNetwork) lookup(address string) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[address]
}

// MemoryEndpoint is an Endpoint on a MemoryNetwork.
type MemoryEndpoint struct {
	network    *MemoryNetwork
	handshakes chan Handshake
	events     chan LinkEvent

	mu                sync.Mutex
	address           string
	closed            bool
	linkDown          bool
	acquireErr        error
	acquireCalls      int
	reconnectFailures int
	reconnectCalls    int
	closeCalls        int
	dials             []string
}

var _ Endpoint = (*MemoryEndpoint)(nil)

// FailAcquire makes every following Acquire fail with err.
func (e *MemoryEndpoint) FailAcquire(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acquireErr = err
}

// DropLink simulates a lost signaling link.
func (e *MemoryEndpoint) DropLink() {
	e.mu.Lock()
	e.linkDown = true
	e.mu.Unlock()

	e.events <- LinkEvent{Type: LinkDropped, Err: ErrUnavailable}
}

// FailReconnects makes the next n Reconnect calls fail.
func (e *MemoryEndpoint) FailReconnects(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconnectFailures = n
}

func (e *MemoryEndpoint) AcquireCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acquireCalls
}

func (e *MemoryEndpoint) ReconnectCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconnectCalls
}

func (e *MemoryEndpoint) CloseCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeCalls
}

// Dials returns the addresses this endpoint dialed, in order.
func (e *MemoryEndpoint) Dials() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.dials...)
}

func (e *MemoryEndpoint) LinkUp() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.linkDown
}

func (e *MemoryEndpoint) Acquire(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.acquireCalls++
	if e.closed {
		return "", ErrClosed
	}
	if e.acquireErr != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, e.acquireErr)
	}
	if e.address != "" {
		return e.address, nil
	}

	n := e.network
	n.mu.Lock()
	n.seq++
	e.address = fmt.Sprintf("mem-%d", n.seq)
	n.endpoints[e.address] = e
	n.mu.Unlock()

	return e.address, nil
}

func (e *MemoryEndpoint) Address() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.address
}

func (e *MemoryEndpoint) Handshakes() <-chan Handshake { return e.handshakes }
func (e *MemoryEndpoint) Events() <-chan LinkEvent     { return e.events }

func (e *MemoryEndpoint) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.reconnectCalls++
	if e.closed {
		return ErrClosed
	}
	if e.reconnectFailures > 0 {
		e.reconnectFailures--
		return ErrUnavailable
	}
	e.linkDown = false
	return nil
}

// Dial hands a handshake to the endpoint at address and waits for it to
// be accepted or rejected.
func (e *MemoryEndpoint) Dial(ctx context.Context, address string) (Channel, error) {
	e.mu.Lock()
	from, closed := e.address, e.closed
	if from != "" {
		e.dials = append(e.dials, address)
	}
	e.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if from == "" {
		return nil, ErrNotAcquired
	}

	target := e.network.lookup(address)
	if target == nil || target.isClosed() {
		return nil, ErrPeerUnavailable
	}

	hs := &memHandshake{from: from, to: address, reply: make(chan memReply, 1)}
	select {
	case target.handshakes <- hs:
	default:
		return nil, ErrPeerUnavailable
	}

	select {
	case r := <-hs.reply:
		return r.ch, r.err
	case <-ctx.Done():
		hs.abandon()
		return nil, ctx.Err()
	}
}

func (e *MemoryEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	e.closeCalls++
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	addr := e.address
	e.mu.Unlock()

	if addr != "" {
		n := e.network
		n.mu.Lock()
		if n.endpoints[addr] == e {
			delete(n.endpoints, addr)
		}
		n.mu.Unlock()
	}
	return nil
}

type memReply struct {
	ch  Channel
	err error
}

type memHandshake struct {
	from  string
	to    string
	reply chan memReply

	mu        sync.Mutex
	settled   bool
	abandoned bool
}

func (h *memHandshake) From() string { return h.from }

func (h *memHandshake) abandon() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abandoned = true
}

func (h *memHandshake) settle(r memReply) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled || h.abandoned {
		return false
	}
	h.settled = true
	h.reply <- r
	return true
}

func (h *memHandshake) Accept(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	local, remote := newMemPipe(h.to, h.from)
	if !h.settle(memReply{ch: remote}) {
		_ = local.Close()
		return nil, ErrPeerUnavailable
	}
	return local, nil
}

func (h *memHandshake) Reject() {
	h.settle(memReply{err: ErrHandshakeRejected})
}

// memChannel is one end of an in-memory pipe. Both ends share done.
type memChannel struct {
	remote string
	in     chan []byte
	peer   *memChannel
	done   chan struct{}
	once   *sync.Once
}

// newMemPipe returns the ends held by a and b respectively.
func newMemPipe(a, b string) (*memChannel, *memChannel) {
	done := make(chan struct{})
	once := &sync.Once{}
	atA := &memChannel{remote: b, in: make(chan []byte, messageBuffer), done: done, once: once}
	atB := &memChannel{remote: a, in: make(chan []byte, messageBuffer), done: done, once: once}
	atA.peer, atB.peer = atB, atA
	return atA, atB
}

func (c *memChannel) RemoteAddress() string   { return c.remote }
func (c *memChannel) Messages() <-chan []byte { return c.in }
func (c *memChannel) Done() <-chan struct{}   { return c.done }

func (c *memChannel) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	buf := append([]byte(nil), payload...)
	select {
	case c.peer.in <- buf:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *memChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
