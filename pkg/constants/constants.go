// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Server timing
const (
	// DefaultTimeout bounds a single request to a backing store
	DefaultTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 54 * time.Second

	// WebSocketPongWait is how long a relay socket may stay silent
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketSendBuffer is the per-connection outbound queue size
	WebSocketSendBuffer = 64

	// WebSocketMaxMessageSize limits inbound frames on the relay socket
	WebSocketMaxMessageSize = 64 * 1024

	// MaxSignalConnections caps concurrent relay sockets per replica
	MaxSignalConnections = 10000
)

// Database connection constants
const (
	MaxConnLifetime   = 1 * time.Hour
	MaxConnIdleTime   = 30 * time.Minute
	HealthCheckPeriod = 1 * time.Minute
)

// Call lifetime
const (
	// MaxCallDuration is the maximum allowed call duration (24 hours)
	MaxCallDuration = 24 * time.Hour

	// CallRingTimeout is how long a session may stay pending before it is missed
	CallRingTimeout = 45 * time.Second

	// CallEmptyGrace is how long a group session may have nobody joined
	CallEmptyGrace = 60 * time.Second

	// CallSweepInterval is how often the registry looks for expired sessions
	CallSweepInterval = 5 * time.Second

	// ClientConnectTimeout bounds Outgoing, Incoming and Connecting on the client
	ClientConnectTimeout = 45 * time.Second
)

// Redis keys
const (
	// UserSignalChannelPrefix prefixes every per-user relay channel
	UserSignalChannelPrefix = "signals:user:"
	// RevokedTokenPrefix keys revoked access tokens by jti
	RevokedTokenPrefix = "blacklist:"

	// DirectoryCacheTTL is how long user and group lookups stay cached in Redis
	DirectoryCacheTTL = 5 * time.Minute
)

// Audit log constants
const (
	// AuditLogRetention is the duration audit logs are retained
	AuditLogRetention = 90 * 24 * time.Hour // 90 days
)

// Pagination constants
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)
