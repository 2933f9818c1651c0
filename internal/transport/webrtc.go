package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/models"

	"github.com/pion/webrtc/v4"
)

const (
	channelLabel     = "chat"
	iceGatherTimeout = 10 * time.Second
	messageBuffer    = 256
	handshakeBuffer  = 4
)

// WebRTCEndpoint exchanges SDP through a BrokerLink and carries chat
// traffic over a single ordered data channel per peer. ICE is vanilla:
// candidates are gathered before the description is sent.
type WebRTCEndpoint struct {
	link   *BrokerLink
	api    *webrtc.API
	config webrtc.Configuration
	log    *slog.Logger

	handshakes chan Handshake

	mu       sync.Mutex
	routing  bool
	closed   bool
	pending  map[string]chan models.Signal
	channels map[*dataChannel]struct{}
	done     chan struct{}
}

var _ Endpoint = (*WebRTCEndpoint)(nil)

func NewWebRTCEndpoint(link *BrokerLink, stunServers []string, log *slog.Logger) *WebRTCEndpoint {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	var servers []webrtc.ICEServer
	if len(stunServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunServers})
	}

	return &WebRTCEndpoint{
		link:       link,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config:     webrtc.Configuration{ICEServers: servers},
		log:        logger.OrDefault(log).With(slog.String("component", "webrtc")),
		handshakes: make(chan Handshake, handshakeBuffer),
		pending:    make(map[string]chan models.Signal),
		channels:   make(map[*dataChannel]struct{}),
		done:       make(chan struct{}),
	}
}

func (e *WebRTCEndpoint) Acquire(ctx context.Context) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	e.mu.Unlock()

	addr, err := e.link.Connect(ctx)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if !e.routing {
		e.routing = true
		go e.route()
	}
	e.mu.Unlock()

	return addr, nil
}

func (e *WebRTCEndpoint) Address() string                     { return e.link.Address() }
func (e *WebRTCEndpoint) Handshakes() <-chan Handshake        { return e.handshakes }
func (e *WebRTCEndpoint) Events() <-chan LinkEvent            { return e.link.Events() }
func (e *WebRTCEndpoint) Reconnect(ctx context.Context) error { return e.link.Reconnect(ctx) }

// route dispatches signals from the broker: offers become inbound
// handshakes, answers and errors go to the dial waiting on that peer.
func (e *WebRTCEndpoint) route() {
	for {
		select {
		case <-e.done:
			return
		case sig := <-e.link.Signals():
			switch sig.Type {
			case models.SignalOffer:
				hs := &webrtcHandshake{endpoint: e, from: sig.From, sdp: sig.SDP}
				select {
				case e.handshakes <- hs:
				default:
					e.log.Warn("inbound handshake dropped, queue full", slog.String("from", sig.From))
					hs.Reject()
				}
			case models.SignalAnswer, models.SignalError:
				e.mu.Lock()
				waiter := e.pending[sig.From]
				e.mu.Unlock()
				if waiter == nil {
					e.log.Debug("unsolicited signal", slog.String("type", string(sig.Type)), slog.String("from", sig.From))
					continue
				}
				select {
				case waiter <- sig:
				default:
				}
			}
		}
	}
}

func (e *WebRTCEndpoint) newPeerConnection() (*webrtc.PeerConnection, error) {
	return e.api.NewPeerConnection(e.config)
}

func (e *WebRTCEndpoint) track(ch *dataChannel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.channels[ch] = struct{}{}
	go func() {
		<-ch.Done()
		e.mu.Lock()
		delete(e.channels, ch)
		e.mu.Unlock()
	}()
	return true
}

// gather sets desc as the local description and waits until every ICE
// candidate is part of it.
func gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return pc.LocalDescription().SDP, nil
}

func (e *WebRTCEndpoint) Dial(ctx context.Context, address string) (Channel, error) {
	if e.Address() == "" {
		return nil, ErrNotAcquired
	}

	pc, err := e.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	ch := newDataChannel(address, pc, dc, e.log)

	replies := make(chan models.Signal, 1)
	e.mu.Lock()
	e.pending[address] = replies
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.pending[address] == replies {
			delete(e.pending, address)
		}
		e.mu.Unlock()
	}()

	fail := func(err error) (Channel, error) {
		_ = ch.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating SDP offer: %w", err))
	}
	sdp, err := gather(ctx, pc, offer)
	if err != nil {
		return fail(err)
	}

	if err := e.link.Send(ctx, models.Signal{Type: models.SignalOffer, To: address, SDP: sdp}); err != nil {
		return fail(fmt.Errorf("publishing SDP offer: %w", err))
	}

	var reply models.Signal
	select {
	case reply = <-replies:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	if reply.Type == models.SignalError {
		if reply.Error == models.ErrPeerUnavailable {
			return fail(ErrPeerUnavailable)
		}
		return fail(ErrHandshakeRejected)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: reply.SDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}

	select {
	case <-ch.opened:
	case <-ch.Done():
		return fail(ErrPeerUnavailable)
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	if !e.track(ch) {
		return fail(ErrClosed)
	}
	e.log.Info("data channel open", slog.String("peer", address), slog.String("direction", "outbound"))
	return ch, nil
}

func (e *WebRTCEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	channels := make([]*dataChannel, 0, len(e.channels))
	for ch := range e.channels {
		channels = append(channels, ch)
	}
	e.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	return e.link.Close()
}

type webrtcHandshake struct {
	endpoint *WebRTCEndpoint
	from     string
	sdp      string
}

func (h *webrtcHandshake) From() string { return h.from }

func (h *webrtcHandshake) Reject() {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	_ = h.endpoint.link.Send(ctx, models.Signal{Type: models.SignalError, To: h.from, Error: "rejected"})
}

func (h *webrtcHandshake) Accept(ctx context.Context) (Channel, error) {
	e := h.endpoint

	pc, err := e.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	inbound := make(chan *dataChannel, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != channelLabel {
			return
		}
		select {
		case inbound <- newDataChannel(h.from, pc, dc, e.log):
		default:
		}
	})

	fail := func(err error) (Channel, error) {
		_ = pc.Close()
		return nil, err
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: h.sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating SDP answer: %w", err))
	}
	sdp, err := gather(ctx, pc, answer)
	if err != nil {
		return fail(err)
	}

	if err := e.link.Send(ctx, models.Signal{Type: models.SignalAnswer, To: h.from, SDP: sdp}); err != nil {
		return fail(fmt.Errorf("publishing SDP answer: %w", err))
	}

	var ch *dataChannel
	select {
	case ch = <-inbound:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	select {
	case <-ch.opened:
	case <-ch.Done():
		return fail(ErrPeerUnavailable)
	case <-ctx.Done():
		_ = ch.Close()
		return nil, ctx.Err()
	}

	if !e.track(ch) {
		_ = ch.Close()
		return nil, ErrClosed
	}
	e.log.Info("data channel open", slog.String("peer", h.from), slog.String("direction", "inbound"))
	return ch, nil
}

// dataChannel adapts a pion data channel to Channel. Closing it tears
// down the whole peer connection.
type dataChannel struct {
	remote   string
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	log      *slog.Logger
	messages chan []byte
	opened   chan struct{}
	done     chan struct{}
	openOnce sync.Once
	doneOnce sync.Once
}

func newDataChannel(remote string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel, log *slog.Logger) *dataChannel {
	c := &dataChannel{
		remote:   remote,
		pc:       pc,
		dc:       dc,
		log:      log,
		messages: make(chan []byte, messageBuffer),
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.messages <- msg.Data:
		case <-c.done:
		}
	})
	dc.OnClose(c.shutdown)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			c.shutdown()
		}
	})

	return c
}

func (c *dataChannel) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *dataChannel) RemoteAddress() string   { return c.remote }
func (c *dataChannel) Messages() <-chan []byte { return c.messages }
func (c *dataChannel) Done() <-chan struct{}   { return c.done }

func (c *dataChannel) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.dc.SendText(string(payload))
}

func (c *dataChannel) Close() error {
	c.shutdown()
	_ = c.dc.Close()
	return c.pc.Close()
}
