package broker

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatgogo/rendezvous/internal/config"
	"chatgogo/rendezvous/internal/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Peers are anonymous browsers and terminals; any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	Hub      *Hub
	secret   []byte
	tokenTTL time.Duration
	log      *slog.Logger
}

func NewHandler(hub *Hub, cfg config.BrokerConfig, log *slog.Logger) *Handler {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Handler{
		Hub:      hub,
		secret:   []byte(cfg.JWTSecret),
		tokenTTL: ttl,
		log:      logger.OrDefault(log).With(slog.String("component", "handler")),
	}
}

// NewRouter wires the broker endpoints.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	r.GET("/healthz", h.Health)
	r.GET("/anonid", h.GetAnonID)
	r.GET("/ws", h.ServeWebSocket)

	return r
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": h.Hub.Online()})
}

// bearerToken reads the token from the Authorization header, falling back
// to the token query parameter for browsers that cannot set headers on a
// websocket handshake.
func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return token
	}
	return c.Query("token")
}

// ServeWebSocket upgrades the connection and registers it under the
// address carried by the token.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	tokenString := bearerToken(c)
	if tokenString == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
		return
	}

	anonID, err := h.validateAndGetAnonID(tokenString)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logger.Err(err))
		return
	}

	client := NewClient(h.Hub, anonID, conn)

	select {
	case h.Hub.RegisterCh <- client:
	case <-h.Hub.Done():
		_ = conn.Close()
		return
	}

	client.Run()
}
