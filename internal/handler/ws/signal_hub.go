package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callsignal/internal/domain"
	"callsignal/internal/relay"
	"callsignal/pkg/constants"
	"callsignal/pkg/logger"
	"callsignal/pkg/metrics"
)

// Signaler relays a client's negotiation envelope into a session
type Signaler interface {
	Signal(ctx context.Context, sessionID, senderID uuid.UUID, env *domain.Envelope, targetID *uuid.UUID) error
}

// SignalHub streams each user's relay channel over a WebSocket. A user may
// hold several sockets; each one gets its own subscription.
type SignalHub struct {
	relay          relay.Relay
	signaler       Signaler
	metrics        *metrics.Metrics
	upgrader       websocket.Upgrader
	maxConnections int
	semaphore      chan struct{}
}

// SignalClient is one live relay socket
type SignalClient struct {
	hub    *SignalHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
}

// InboundSignal is a frame sent by the client over its socket
type InboundSignal struct {
	Envelope domain.Envelope `json:"envelope"`
	TargetID *uuid.UUID      `json:"target_id,omitempty"`
}

// NewSignalHub creates a hub. m may be nil; an empty allowedOrigins list
// accepts any origin.
func NewSignalHub(r relay.Relay, signaler Signaler, m *metrics.Metrics, allowedOrigins []string, maxConnections int) *SignalHub {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return &SignalHub{
		relay:    r,
		signaler: signaler,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Native agents send no Origin and authenticate by token alone
				if origin == "" || len(allowed) == 0 || allowed["*"] {
					return true
				}
				return allowed[origin]
			},
		},
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
	}
}

// ServeWS upgrades the request and streams the authenticated user's signals
// GET /v1/signals/ws
func (h *SignalHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		<-h.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		<-h.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &SignalClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, constants.WebSocketSendBuffer),
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
	}

	sub, err := h.relay.Subscribe(ctx, userID, client.deliver)
	if err != nil {
		cancel()
		<-h.semaphore
		logger.Error("Failed to subscribe to signal channel",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay unavailable"))
		conn.Close()
		return
	}

	if h.metrics != nil {
		h.metrics.IncWebSocketConnections()
	}
	logger.Debug("Signal socket connected", zap.String("user_id", userID.String()))

	go client.writePump()
	go func() {
		client.readPump()
		sub.Close()
		cancel()
		<-h.semaphore
		if h.metrics != nil {
			h.metrics.DecWebSocketConnections()
		}
		logger.Debug("Signal socket disconnected", zap.String("user_id", userID.String()))
	}()
}

// deliver queues a relay payload for the socket. A slow socket loses
// messages rather than stalling the relay.
func (c *SignalClient) deliver(payload []byte) {
	select {
	case <-c.ctx.Done():
	case c.send <- payload:
	default:
		logger.Warn("Signal socket send buffer full, dropping message",
			zap.String("user_id", c.userID.String()))
	}
}

// readPump relays inbound frames until the socket closes
func (c *SignalClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}
		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketMessage("inbound")
		}

		var msg InboundSignal
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(c.ctx, constants.DefaultTimeout)
		err = c.hub.signaler.Signal(ctx, msg.Envelope.SessionID, c.userID, &msg.Envelope, msg.TargetID)
		cancel()
		if err != nil {
			logger.Warn("Failed to relay signal from WebSocket",
				zap.String("user_id", c.userID.String()),
				zap.String("session_id", msg.Envelope.SessionID.String()),
				zap.String("kind", string(msg.Envelope.Kind)),
				zap.Error(err))
		}
	}
}

// writePump writes queued payloads and keeps the socket alive with pings
func (c *SignalClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			if c.hub.metrics != nil {
				c.hub.metrics.RecordWebSocketMessage("outbound")
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
