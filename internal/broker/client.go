package broker

import (
	"log/slog"
	"time"

	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Client is one websocket link registered under an address.
type Client struct {
	Address string
	Conn    *websocket.Conn
	Hub     *Hub

	send chan models.Signal
	log  *slog.Logger
}

func NewClient(hub *Hub, address string, conn *websocket.Conn) *Client {
	return &Client{
		Address: address,
		Conn:    conn,
		Hub:     hub,
		send:    make(chan models.Signal, sendBuffer),
		log:     hub.log.With(slog.String("address", address)),
	}
}

// Run starts the pumps. It returns immediately.
func (c *Client) Run() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.UnregisterCh <- c:
		case <-c.Hub.done:
		}
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var sig models.Signal
		if err := c.Conn.ReadJSON(&sig); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("error reading signal", logger.Err(err))
			}
			return
		}

		select {
		case c.Hub.relayCh <- envelope{from: c, signal: sig}:
		case <-c.Hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case sig, ok := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(sig); err != nil {
				c.log.Debug("error writing signal", logger.Err(err))
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
