package negotiation

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"callsignal/pkg/logger"
)

// Config holds peer connection settings shared by every session
type Config struct {
	ICEServers []webrtc.ICEServer

	// ICE liveness: a connected call whose peer disappears goes to
	// disconnected after DisconnectedTimeout and to failed after FailedTimeout
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host peers
	IncludeLoopback bool
	NetworkTypes    []webrtc.NetworkType
}

// DefaultConfig returns settings for calls across the internet
func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		DisconnectedTimeout: 10 * time.Second,
		FailedTimeout:       30 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// NewAPI builds a pion API with the codecs registerCodecs adds, pion's
// default interceptors, the configured ICE timeouts and zap logging
func NewAPI(cfg Config, registerCodecs func(*webrtc.MediaEngine) error) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger.Named("pion"))}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	if len(cfg.NetworkTypes) > 0 {
		se.SetNetworkTypes(cfg.NetworkTypes)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}
