package broker

import (
	"context"
	"log/slog"
	"sync/atomic"

	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/models"
)

type envelope struct {
	from   *Client
	signal models.Signal
}

// Hub owns the address table. All mutations go through Run, so the map
// needs no lock.
type Hub struct {
	clients map[string]*Client
	online  atomic.Int64

	RegisterCh   chan *Client
	UnregisterCh chan *Client
	relayCh      chan envelope

	done chan struct{}
	log  *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		RegisterCh:   make(chan *Client),
		UnregisterCh: make(chan *Client),
		relayCh:      make(chan envelope),
		done:         make(chan struct{}),
		log:          logger.OrDefault(log).With(slog.String("component", "hub")),
	}
}

// Online returns the number of registered addresses.
func (h *Hub) Online() int {
	return int(h.online.Load())
}

// Done is closed once Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) Run(ctx context.Context) {
	h.log.Info("hub started")
	defer func() {
		for addr, c := range h.clients {
			delete(h.clients, addr)
			close(c.send)
		}
		h.online.Store(0)
		close(h.done)
		h.log.Info("hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.RegisterCh:
			// A reconnecting client reuses its address; the stale link loses it.
			if old, ok := h.clients[c.Address]; ok && old != c {
				close(old.send)
				h.log.Debug("address taken over by new link", slog.String("address", c.Address))
			}
			h.clients[c.Address] = c
			h.online.Store(int64(len(h.clients)))
			h.deliver(c, models.Signal{Type: models.SignalOpen, To: c.Address})
			h.log.Debug("client registered", slog.String("address", c.Address))

		case c := <-h.UnregisterCh:
			if cur, ok := h.clients[c.Address]; ok && cur == c {
				delete(h.clients, c.Address)
				close(c.send)
				h.online.Store(int64(len(h.clients)))
				h.log.Debug("client unregistered", slog.String("address", c.Address))
			}

		case env := <-h.relayCh:
			h.relay(env)
		}
	}
}

func (h *Hub) relay(env envelope) {
	sig := env.signal
	sig.From = env.from.Address

	switch sig.Type {
	case models.SignalOffer, models.SignalAnswer, models.SignalError:
	default:
		h.log.Debug("ignoring signal", slog.String("type", string(sig.Type)), slog.String("from", sig.From))
		return
	}

	target, ok := h.clients[sig.To]
	if !ok {
		if sig.Type == models.SignalError {
			return
		}
		if cur, ok := h.clients[env.from.Address]; ok && cur == env.from {
			h.deliver(env.from, models.Signal{
				Type:  models.SignalError,
				From:  sig.To,
				To:    env.from.Address,
				Error: models.ErrPeerUnavailable,
			})
		}
		return
	}

	h.deliver(target, sig)
}

// deliver never blocks the hub: a client that cannot keep up is dropped.
func (h *Hub) deliver(c *Client, sig models.Signal) {
	select {
	case c.send <- sig:
	default:
		h.log.Warn("client send buffer full, dropping client", slog.String("address", c.Address))
		if cur, ok := h.clients[c.Address]; ok && cur == c {
			delete(h.clients, c.Address)
			h.online.Store(int64(len(h.clients)))
		}
		close(c.send)
	}
}
