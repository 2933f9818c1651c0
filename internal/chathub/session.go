package chathub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatgogo/rendezvous/internal/config"
	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/models"
	"chatgogo/rendezvous/internal/storage"
	"chatgogo/rendezvous/internal/transport"

	"github.com/jonboulle/clockwork"
)

const teardownTimeout = 5 * time.Second

type SessionOption func(*Session)

func WithClock(c clockwork.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithSettleDelay sets how long the host waits after the guest appears
// before dialing it.
func WithSettleDelay(d time.Duration) SessionOption {
	return func(s *Session) { s.settleDelay = d }
}

func WithHandshakeTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.handshakeTimeout = d }
}

func WithTickInterval(d time.Duration) SessionOption {
	return func(s *Session) { s.tickInterval = d }
}

func WithMaxReconnectAttempts(n int) SessionOption {
	return func(s *Session) { s.maxReconnectAttempts = n }
}

// Session is one anonymous 1:1 chat: it finds or creates a room, brings
// up the direct channel to the peer and watches over it until the user
// leaves, the peer leaves or the room expires.
//
// A Session runs once. Every state change is reported to the Observer.
type Session struct {
	store    storage.RoomStore
	endpoint transport.Endpoint
	matcher  *Matcher
	events   *emitter

	clock                clockwork.Clock
	log                  *slog.Logger
	settleDelay          time.Duration
	handshakeTimeout     time.Duration
	tickInterval         time.Duration
	maxReconnectAttempts int

	// ctx is cancelled by teardown; every background step runs under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	started     bool
	destroyed   bool
	status      models.Status
	address     string
	roomID      string
	isHost      bool
	peerAddress string
	accepting   bool
	channel     transport.Channel
	unsubscribe func()
	timer       *SessionTimer
	hsTimer     clockwork.Timer
	hsCtx       context.Context
	hsCancel    context.CancelFunc
	hsTimedOut  bool
}

func NewSession(store storage.RoomStore, endpoint transport.Endpoint, observer Observer, opts ...SessionOption) *Session {
	s := &Session{
		store:                store,
		endpoint:             endpoint,
		clock:                clockwork.NewRealClock(),
		settleDelay:          config.SettleDelay,
		handshakeTimeout:     config.HandshakeTimeout,
		tickInterval:         config.TickInterval,
		maxReconnectAttempts: config.MaxReconnectAttempts,
		status:               models.StatusInitializing,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrDefault(s.log).With(slog.String("component", "session"))
	s.matcher = NewMatcher(store, s.log)
	s.events = newEmitter(observer)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Session) Status() models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == models.StatusConnected && s.channel != nil && !s.destroyed
}

// RoomID returns the current room id, or "" before one is known.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Done is closed once the session is torn down and every observer call
// has been delivered.
func (s *Session) Done() <-chan struct{} {
	return s.events.drained()
}

// CreateNewRoom opens a room as host and waits in it for a guest.
func (s *Session) CreateNewRoom(ctx context.Context) error {
	const op = "chathub.Session.CreateNewRoom"

	opCtx, address, err := s.start(ctx)
	if err != nil {
		return err
	}
	defer opCtx.cancel()

	roomID, err := s.store.CreateRoom(opCtx, address)
	if err != nil {
		return s.setupFailed(op, err)
	}
	return s.hostRoom(roomID)
}

// JoinExistingRoom joins roomID as guest and waits for the host to dial.
func (s *Session) JoinExistingRoom(ctx context.Context, roomID string) error {
	const op = "chathub.Session.JoinExistingRoom"

	opCtx, address, err := s.start(ctx)
	if err != nil {
		return err
	}
	defer opCtx.cancel()

	room, err := s.store.JoinRoom(opCtx, roomID, address)
	if err != nil {
		return s.setupFailed(op, err)
	}
	return s.guestRoom(room)
}

// FindRandomMatch joins a random waiting room or, failing that, opens one.
func (s *Session) FindRandomMatch(ctx context.Context) error {
	const op = "chathub.Session.FindRandomMatch"

	opCtx, address, err := s.start(ctx)
	if err != nil {
		return err
	}
	defer opCtx.cancel()

	res, err := s.matcher.Match(opCtx, address)
	if err != nil {
		return s.setupFailed(op, err)
	}
	if res.IsHost {
		return s.hostRoom(res.RoomID)
	}
	return s.guestRoom(res.Room)
}

// opContext is a caller context that is also cancelled by teardown.
type opContext struct {
	context.Context
	cancel context.CancelFunc
}

func (s *Session) start(parent context.Context) (opContext, string, error) {
	const op = "chathub.Session.start"

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return opContext{}, "", ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return opContext{}, "", ErrSessionBusy
	}
	s.started = true
	s.status = models.StatusInitializing
	s.events.emit(func(o Observer) { o.OnStatusChange(models.StatusInitializing, nil) })
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	opCtx := opContext{Context: ctx, cancel: func() { stop(); cancel() }}

	address, err := s.endpoint.Acquire(opCtx)
	if err != nil {
		opCtx.cancel()
		return opContext{}, "", s.setupFailed(op, fmt.Errorf("%w: %w", ErrTransportUnavailable, err))
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		opCtx.cancel()
		return opContext{}, "", ErrSessionClosed
	}
	s.address = address
	s.mu.Unlock()

	go (&LinkSupervisor{
		Endpoint:    s.endpoint,
		Clock:       s.clock,
		MaxAttempts: s.maxReconnectAttempts,
		Logger:      s.log,
		OnLost:      s.fail,
	}).Run(s.ctx)

	return opCtx, address, nil
}

func (s *Session) hostRoom(roomID string) error {
	const op = "chathub.Session.hostRoom"

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		// The room was created after the user left: nobody else will delete it.
		s.deleteRoom(roomID)
		return ErrSessionClosed
	}
	s.roomID = roomID
	s.isHost = true
	s.events.emit(func(o Observer) { o.OnRoomCreated(roomID) })
	s.setStatusLocked(models.StatusWaiting, nil)
	s.mu.Unlock()

	s.log.Info("room created, waiting for guest", slog.String("room_id", roomID))

	go s.acceptLoop()
	return s.subscribe(op, roomID)
}

func (s *Session) guestRoom(room *models.Room) error {
	const op = "chathub.Session.guestRoom"

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.roomID = room.ID
	s.isHost = false
	s.peerAddress = room.HostAddress
	s.startTimerLocked(room.ExpiresTime())
	s.enterConnectingLocked()
	s.mu.Unlock()

	s.log.Info("joined room, waiting for host", slog.String("room_id", room.ID))

	go s.acceptLoop()
	return s.subscribe(op, room.ID)
}

func (s *Session) subscribe(op, roomID string) error {
	unsubscribe, err := s.store.Subscribe(s.ctx, roomID, s.onRoomUpdate)
	if err != nil {
		return s.setupFailed(op, err)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		unsubscribe()
		return ErrSessionClosed
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	return nil
}

func (s *Session) onRoomUpdate(room *models.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed || s.status.IsTerminal() {
		return
	}

	if room == nil {
		// Deleted under us. Once the channel is up the room no longer matters.
		if s.channel == nil {
			s.log.Warn("room disappeared before the peer connected", slog.String("room_id", s.roomID))
			s.failLocked(ErrRoomNotFound)
		}
		return
	}

	if s.timer == nil {
		s.startTimerLocked(room.ExpiresTime())
	}

	if s.isHost && room.GuestAddress != "" && s.peerAddress == "" {
		s.peerAddress = room.GuestAddress
		s.enterConnectingLocked()
		go s.dialAfterSettle(room.GuestAddress)
	}
}

func (s *Session) startTimerLocked(expiresAt time.Time) {
	if s.timer != nil {
		return
	}
	s.timer = NewSessionTimer(s.clock, expiresAt, s.tickInterval, s.onTick, s.onExpire)
	// Start reports immediately, and that report takes the session lock.
	go s.timer.Start()
}

func (s *Session) onTick(remaining time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.status.IsTerminal() {
		return
	}
	s.events.emit(func(o Observer) { o.OnTimeUpdate(remaining) })
}

func (s *Session) onExpire() {
	s.mu.Lock()
	if s.destroyed || s.status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.log.Info("session expired", slog.String("room_id", s.roomID))
	s.setStatusLocked(models.StatusExpired, ErrSessionExpired)
	s.mu.Unlock()

	s.teardown()
}

// enterConnectingLocked switches to connecting and arms the handshake
// deadline.
func (s *Session) enterConnectingLocked() {
	s.setStatusLocked(models.StatusConnecting, nil)
	s.hsCtx, s.hsCancel = context.WithCancel(s.ctx)
	s.hsTimer = s.clock.AfterFunc(s.handshakeTimeout, s.onHandshakeTimeout)
}

func (s *Session) onHandshakeTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed || s.status != models.StatusConnecting {
		return
	}
	s.log.Warn("handshake timed out", slog.String("peer", s.peerAddress))
	s.hsTimedOut = true
	s.failLocked(ErrHandshakeTimeout)
}

func (s *Session) dialAfterSettle(peer string) {
	select {
	case <-s.ctx.Done():
		return
	case <-s.clock.After(s.settleDelay):
	}

	s.mu.Lock()
	if s.destroyed || s.status != models.StatusConnecting {
		s.mu.Unlock()
		return
	}
	hsCtx := s.hsCtx
	s.mu.Unlock()

	s.log.Debug("dialing guest", slog.String("peer", peer))
	ch, err := s.endpoint.Dial(hsCtx, peer)
	s.handshakeDone(ch, err)
}

func (s *Session) acceptLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case hs, ok := <-s.endpoint.Handshakes():
			if !ok {
				return
			}
			s.handleHandshake(hs)
		}
	}
}

// handleHandshake accepts exactly one inbound attempt: a guest accepts
// its host while connecting. Everything else is turned away.
func (s *Session) handleHandshake(hs transport.Handshake) {
	s.mu.Lock()
	ok := !s.destroyed &&
		!s.isHost &&
		s.status == models.StatusConnecting &&
		s.channel == nil &&
		!s.accepting &&
		hs.From() == s.peerAddress
	if ok {
		s.accepting = true
	}
	hsCtx := s.hsCtx
	s.mu.Unlock()

	if !ok {
		s.log.Debug("ignoring inbound handshake", slog.String("from", hs.From()))
		hs.Reject()
		return
	}

	go func() {
		ch, err := hs.Accept(hsCtx)
		s.handshakeDone(ch, err)
	}()
}

func (s *Session) handshakeDone(ch transport.Channel, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accepting = false

	if s.destroyed || s.status != models.StatusConnecting {
		if ch != nil {
			_ = ch.Close()
		}
		return
	}

	if err != nil {
		if s.hsTimedOut || errors.Is(err, context.DeadlineExceeded) {
			s.failLocked(ErrHandshakeTimeout)
			return
		}
		s.failLocked(fmt.Errorf("%w: %w", ErrHandshakeFailed, err))
		return
	}

	s.channel = ch
	s.stopHandshakeLocked()
	s.setStatusLocked(models.StatusConnected, nil)
	s.events.emit(func(o Observer) { o.OnPeerConnected() })
	s.log.Info("peer connected", slog.String("peer", ch.RemoteAddress()))

	go s.readLoop(ch)
}

func (s *Session) stopHandshakeLocked() {
	if s.hsTimer != nil {
		s.hsTimer.Stop()
		s.hsTimer = nil
	}
	if s.hsCancel != nil {
		s.hsCancel()
	}
}

func (s *Session) readLoop(ch transport.Channel) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-ch.Messages():
			s.deliver(ch, payload)
		case <-ch.Done():
			// Hand over whatever arrived before the close.
		drain:
			for {
				select {
				case payload := <-ch.Messages():
					s.deliver(ch, payload)
				default:
					break drain
				}
			}
			s.peerGone(ch)
			return
		}
	}
}

func (s *Session) deliver(ch transport.Channel, payload []byte) {
	msg, err := models.DecodeIncoming(payload, s.clock.Now())
	if err != nil {
		s.log.Warn("dropping malformed message", logger.Err(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.channel != ch {
		return
	}
	s.events.emit(func(o Observer) { o.OnMessage(msg) })
}

// peerGone handles a closed data channel. There is no reconnection: the
// conversation is over.
func (s *Session) peerGone(ch transport.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed || s.channel != ch || s.status != models.StatusConnected {
		return
	}
	s.log.Info("peer disconnected", slog.String("peer", ch.RemoteAddress()))
	if s.timer != nil {
		s.timer.Stop()
	}
	s.events.emit(func(o Observer) { o.OnPeerDisconnected() })
	s.setStatusLocked(models.StatusDisconnected, nil)
}

// SendMessage sends text to the peer. It returns nil when there is no
// open channel or the send fails.
func (s *Session) SendMessage(text string) *models.ChatMessage {
	s.mu.Lock()
	ch := s.channel
	ok := !s.destroyed && s.status == models.StatusConnected && ch != nil
	s.mu.Unlock()

	if !ok {
		return nil
	}

	msg := models.NewOutgoing(text, s.clock.Now())
	payload, err := msg.MarshalWire()
	if err != nil {
		s.log.Error("failed to encode message", logger.Err(err))
		return nil
	}
	if err := ch.Send(payload); err != nil {
		s.log.Warn("failed to send message", logger.Err(err))
		return nil
	}
	return msg
}

func (s *Session) setStatusLocked(status models.Status, err error) {
	if s.status == status && err == nil {
		return
	}
	s.status = status
	s.events.emit(func(o Observer) { o.OnStatusChange(status, err) })
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err)
}

func (s *Session) failLocked(err error) {
	if s.destroyed || s.status.IsTerminal() {
		return
	}
	s.log.Error("session failed", slog.String("room_id", s.roomID), logger.Err(err))
	s.stopHandshakeLocked()
	if s.timer != nil {
		s.timer.Stop()
	}
	// Nobody will dial from a failed host: take the room out of the pool.
	if s.isHost && s.channel == nil && s.roomID != "" {
		go s.deleteRoom(s.roomID)
	}
	s.setStatusLocked(models.StatusError, err)
}

// setupFailed reports err from a setup step and returns it to the caller.
func (s *Session) setupFailed(op string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return ErrSessionClosed
	}
	s.log.Warn("setup failed", slog.String("op", op), logger.Err(err))
	s.failLocked(err)
	return err
}

// Disconnect ends the session. It can be called at any time, from any
// state, any number of times.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if !s.status.IsTerminal() {
		s.setStatusLocked(models.StatusDisconnected, nil)
	}
	s.mu.Unlock()

	s.teardown()
}

// teardown releases everything in a fixed order: timers, subscription,
// channel, endpoint and finally the room when this side created it.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true

	timer, hsTimer := s.timer, s.hsTimer
	unsubscribe := s.unsubscribe
	ch := s.channel
	roomID, isHost := s.roomID, s.isHost
	s.unsubscribe = nil
	s.channel = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if hsTimer != nil {
		hsTimer.Stop()
	}
	s.cancel()

	if unsubscribe != nil {
		unsubscribe()
	}
	if ch != nil {
		_ = ch.Close()
	}
	if err := s.endpoint.Close(); err != nil {
		s.log.Warn("failed to release endpoint", logger.Err(err))
	}
	if isHost && roomID != "" {
		s.deleteRoom(roomID)
	}

	s.events.close()
	s.log.Debug("session torn down", slog.String("room_id", roomID))
}

func (s *Session) deleteRoom(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := s.store.DeleteRoom(ctx, roomID); err != nil {
		s.log.Warn("failed to delete room", slog.String("room_id", roomID), logger.Err(err))
	}
}
