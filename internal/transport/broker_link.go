package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
)

// BrokerLink is the client side of the address broker: it obtains an
// anonymous token, keeps a websocket open and relays signals.
type BrokerLink struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	log        *slog.Logger

	signals chan models.Signal
	events  chan LinkEvent

	mu       sync.Mutex
	token    string
	address  string
	conn     *websocket.Conn
	out      chan models.Signal
	connDone chan struct{}
	closed   bool
}

func NewBrokerLink(baseURL string, log *slog.Logger) *BrokerLink {
	return &BrokerLink{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dialer:     websocket.DefaultDialer,
		log:        logger.OrDefault(log).With(slog.String("component", "broker-link")),
		signals:    make(chan models.Signal, 32),
		events:     make(chan LinkEvent, 8),
	}
}

func (l *BrokerLink) Signals() <-chan models.Signal { return l.signals }
func (l *BrokerLink) Events() <-chan LinkEvent      { return l.events }

func (l *BrokerLink) Address() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.address
}

// Connect fetches a token if needed and opens the link. It is a no-op
// when the link is already up.
func (l *BrokerLink) Connect(ctx context.Context) (string, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return "", ErrClosed
	}
	if l.conn != nil {
		addr := l.address
		l.mu.Unlock()
		return addr, nil
	}
	l.mu.Unlock()

	if err := l.dial(ctx); err != nil {
		return "", err
	}
	return l.Address(), nil
}

// Reconnect replaces the current websocket with a fresh one using the
// same token, so the broker hands back the same address.
func (l *BrokerLink) Reconnect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	old := l.detachLocked()
	l.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return l.dial(ctx)
}

func (l *BrokerLink) detachLocked() *websocket.Conn {
	conn := l.conn
	if conn != nil {
		close(l.connDone)
	}
	l.conn = nil
	l.out = nil
	l.connDone = nil
	return conn
}

func (l *BrokerLink) dial(ctx context.Context) error {
	const op = "transport.BrokerLink.dial"

	l.mu.Lock()
	token := l.token
	l.mu.Unlock()

	if token == "" {
		t, err := l.fetchToken(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		}
		token = t
	}

	wsURL, err := websocketURL(l.baseURL)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := l.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}

	// The broker greets every link with the address bound to the token.
	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
	var hello models.Signal
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != models.SignalOpen || hello.To == "" {
		_ = conn.Close()
		if err == nil {
			err = fmt.Errorf("unexpected greeting %q", hello.Type)
		}
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	if l.address != "" && l.address != hello.To {
		l.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%s: %w: broker assigned %s, expected %s", op, ErrUnavailable, hello.To, l.address)
	}
	l.token = token
	l.address = hello.To
	l.conn = conn
	l.out = make(chan models.Signal, 16)
	l.connDone = make(chan struct{})
	out, done := l.out, l.connDone
	l.mu.Unlock()

	go l.writePump(conn, out, done)
	go l.readPump(conn, done)

	l.log.Debug("broker link up", slog.String("address", hello.To))
	return nil
}

func (l *BrokerLink) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/anonid", nil)
	if err != nil {
		return "", err
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anonid: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Token  string `json:"token"`
		AnonID string `json:"anon_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Token == "" {
		return "", errors.New("anonid: empty token")
	}
	return body.Token, nil
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Send queues sig for delivery through the broker.
func (l *BrokerLink) Send(ctx context.Context, sig models.Signal) error {
	l.mu.Lock()
	out, done := l.out, l.connDone
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if out == nil {
		return ErrUnavailable
	}

	select {
	case out <- sig:
		return nil
	case <-done:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *BrokerLink) readPump(conn *websocket.Conn, done chan struct{}) {
	defer l.dropped(conn, done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var sig models.Signal
		if err := conn.ReadJSON(&sig); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.log.Debug("broker link read failed", logger.Err(err))
			}
			return
		}

		select {
		case l.signals <- sig:
		case <-done:
			return
		}
	}
}

func (l *BrokerLink) writePump(conn *websocket.Conn, out <-chan models.Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case sig := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(sig); err != nil {
				l.log.Debug("broker link write failed", logger.Err(err))
				_ = conn.Close()
				return
			}
		}
	}
}

// dropped runs when a read pump exits. If the connection is still the
// current one, it was lost rather than replaced or closed: report it.
func (l *BrokerLink) dropped(conn *websocket.Conn, done chan struct{}) {
	l.mu.Lock()
	current := l.conn == conn
	if current {
		l.detachLocked()
	}
	l.mu.Unlock()

	_ = conn.Close()

	if !current {
		return
	}

	l.log.Warn("broker link dropped")
	select {
	case l.events <- LinkEvent{Type: LinkDropped, Err: ErrUnavailable}:
	default:
		l.log.Warn("link event dropped, listener is not keeping up")
	}
}

func (l *BrokerLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.detachLocked()
	l.mu.Unlock()

	if conn != nil {
		// Let the write pump send a close frame before tearing down.
		time.AfterFunc(writeWait/10, func() { _ = conn.Close() })
	}
	return nil
}
