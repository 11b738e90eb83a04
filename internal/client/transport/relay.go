package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callsignal/internal/domain"
	"callsignal/pkg/constants"
	"callsignal/pkg/logger"
)

// RelayClient opens the user's signal socket on the call service
type RelayClient struct {
	wsURL  string
	token  string
	dialer *websocket.Dialer
}

// NewRelayClient derives the socket URL from the API base URL
func NewRelayClient(baseURL, token string) (*RelayClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported API URL scheme %q", u.Scheme)
	}
	u.Path += "/v1/signals/ws"

	return &RelayClient{
		wsURL: u.String(),
		token: token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: constants.WebSocketWriteWait,
		},
	}, nil
}

// RelayConn is a live signal socket. Received signals are decoded once and
// handed to the subscriber in arrival order.
type RelayConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	closing atomic.Bool
	err     error
}

type outboundFrame struct {
	Envelope *domain.Envelope `json:"envelope"`
	TargetID *uuid.UUID       `json:"target_id,omitempty"`
}

// Subscribe dials the socket and delivers every decodable signal to handler
// until the connection drops or Close is called
func (c *RelayClient) Subscribe(ctx context.Context, handler func(domain.Signal)) (*RelayConn, error) {
	header := http.Header{"Authorization": []string{"Bearer " + c.token}}
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: relay handshake returned %d", ErrTransport, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dialing relay: %v", ErrTransport, err)
	}

	rc := &RelayConn{conn: conn, done: make(chan struct{})}
	conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	go rc.readLoop(handler)
	return rc, nil
}

func (rc *RelayConn) readLoop(handler func(domain.Signal)) {
	log := logger.Named("relay-client")
	for {
		_, payload, err := rc.conn.ReadMessage()
		if err != nil {
			rc.finish(err)
			return
		}

		sig, err := domain.DecodeSignal(payload)
		if err != nil {
			log.Warn("Dropping undecodable signal", zap.Error(err))
			continue
		}
		handler(sig)
	}
}

// Signal sends a negotiation signal over the socket instead of the REST API
func (rc *RelayConn) Signal(ctx context.Context, sig domain.Signal, targetID *uuid.UUID) error {
	frame, err := json.Marshal(outboundFrame{Envelope: domain.EnvelopeOf(sig), TargetID: targetID})
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}

	deadline := time.Now().Add(constants.WebSocketWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(deadline)
	if err := rc.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: writing signal: %v", ErrTransport, err)
	}
	return nil
}

// Done is closed once the socket stops delivering
func (rc *RelayConn) Done() <-chan struct{} { return rc.done }

// Err reports why the socket stopped. It is valid after Done is closed.
func (rc *RelayConn) Err() error {
	<-rc.done
	return rc.err
}

// Close shuts the socket down and waits for the reader to exit
func (rc *RelayConn) Close() error {
	rc.closing.Store(true)
	rc.writeMu.Lock()
	rc.conn.SetWriteDeadline(time.Now().Add(time.Second))
	rc.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	rc.writeMu.Unlock()

	rc.conn.Close()
	<-rc.done
	return nil
}

func (rc *RelayConn) finish(err error) {
	rc.once.Do(func() {
		if !rc.closing.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			rc.err = fmt.Errorf("%w: relay socket closed: %v", ErrTransport, err)
		}
		close(rc.done)
	})
}
